package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/iliyamo/slot-booking/internal/model"
	"github.com/iliyamo/slot-booking/internal/repository"
)

var importFile string

var importSlotsCmd = &cobra.Command{
	Use:   "import-slots",
	Short: "Create slots from a YAML schedule",
	Long: `Create slots in bulk from a YAML file. Slots that already exist for the
same owner and start time are skipped and listed.

File format:
  owner_id: 42
  service_id: 7                  # optional, applies to every slot
  price_cents: 5000              # default price, required unless every slot sets one
  payee_account_ref: acct_123    # optional payout account
  payee_share_percent: 80        # share of the price paid to the payee
  slots:
    - starts_at: 2026-11-02T09:00:00Z
      minutes: 60
      capacity: 8
    - starts_at: 2026-11-02T10:00:00Z
      ends_at: 2026-11-02T11:30:00Z
      capacity: 1
      price_cents: 7500

Example:
  server import-slots --file schedule.yaml`,
	RunE: runImportSlots,
}

func init() {
	importSlotsCmd.Flags().StringVarP(&importFile, "file", "f", "", "YAML schedule to import")
	_ = importSlotsCmd.MarkFlagRequired("file")
}

type slotSchedule struct {
	OwnerID           uint64      `yaml:"owner_id"`
	ServiceID         *uint64     `yaml:"service_id"`
	PriceCents        int64       `yaml:"price_cents"`
	PayeeAccountRef   *string     `yaml:"payee_account_ref"`
	PayeeSharePercent int         `yaml:"payee_share_percent"`
	Slots             []slotEntry `yaml:"slots"`
}

type slotEntry struct {
	StartsAt   time.Time  `yaml:"starts_at"`
	EndsAt     *time.Time `yaml:"ends_at"`
	Minutes    int        `yaml:"minutes"`
	Capacity   uint32     `yaml:"capacity"`
	PriceCents int64      `yaml:"price_cents"`
}

// parseSchedule decodes a schedule and turns it into slots. Each entry
// needs either ends_at or minutes, and a price of its own or the schedule's.
func parseSchedule(data []byte) ([]model.Slot, error) {
	var sch slotSchedule
	if err := yaml.Unmarshal(data, &sch); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	if sch.OwnerID == 0 {
		return nil, fmt.Errorf("owner_id is required")
	}
	out := make([]model.Slot, 0, len(sch.Slots))
	for i, e := range sch.Slots {
		if e.StartsAt.IsZero() {
			return nil, fmt.Errorf("slot %d: starts_at is required", i+1)
		}
		var ends time.Time
		switch {
		case e.EndsAt != nil:
			ends = *e.EndsAt
		case e.Minutes > 0:
			ends = e.StartsAt.Add(time.Duration(e.Minutes) * time.Minute)
		default:
			return nil, fmt.Errorf("slot %d: ends_at or minutes is required", i+1)
		}
		capacity := e.Capacity
		if capacity == 0 {
			capacity = 1
		}
		price := e.PriceCents
		if price == 0 {
			price = sch.PriceCents
		}
		if price <= 0 {
			return nil, fmt.Errorf("slot %d: price_cents must be positive", i+1)
		}
		out = append(out, model.Slot{
			OwnerID:   sch.OwnerID,
			ServiceID: sch.ServiceID,
			StartsAt:  e.StartsAt.UTC(),
			EndsAt:    ends.UTC(),
			Capacity:  capacity,

			PriceCents:        price,
			PayeeAccountRef:   sch.PayeeAccountRef,
			PayeeSharePercent: sch.PayeeSharePercent,
		})
	}
	return out, nil
}

func runImportSlots(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(importFile)
	if err != nil {
		return err
	}
	slots, err := parseSchedule(data)
	if err != nil {
		return err
	}

	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	created, dups, err := repository.NewSlotRepo(db).CreateBatch(ctx, slots)
	for _, d := range dups {
		log.WithFields(logrus.Fields{"owner_id": d.OwnerID, "starts_at": d.StartsAt}).Warn("slot exists, skipped")
	}
	log.WithFields(logrus.Fields{"created": len(created), "skipped": len(dups)}).Info("import finished")
	return err
}

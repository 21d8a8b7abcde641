package state

import (
	"context"
	"net"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"

	"grimm.is/netplane/internal/errors"
	"grimm.is/netplane/internal/model"
)

// Seed is a bulk export of orchestrator records.
type Seed struct {
	Instances []Instance  `yaml:"instances"`
	VIFs      []model.VIF `yaml:"vifs"`
	FixedIPs  []FixedIP   `yaml:"fixed_ips"`
}

// ParseSeed decodes and validates a YAML seed document.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.UnmarshalStrict(data, &seed); err != nil {
		return nil, errors.Wrap(err, errors.KindParse, "failed to parse seed")
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

// Validate checks identifiers and addresses before anything is written.
func (s *Seed) Validate() error {
	for _, inst := range s.Instances {
		if _, err := uuid.Parse(inst.UUID); err != nil {
			return errors.Errorf(errors.KindValidation, "invalid instance uuid %q", inst.UUID)
		}
	}
	for _, v := range s.VIFs {
		if _, err := net.ParseMAC(v.Address); err != nil {
			return errors.Attr(errors.Errorf(errors.KindValidation, "invalid vif address %q", v.Address), "vif", v.ID)
		}
	}
	for _, ip := range s.FixedIPs {
		if parsed := net.ParseIP(ip.Address); parsed == nil || parsed.To4() == nil {
			return errors.Errorf(errors.KindValidation, "invalid fixed ip %q", ip.Address)
		}
	}
	return nil
}

// Import writes every record of seed in one transaction.
func (s *Store) Import(ctx context.Context, seed *Seed) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to begin import")
	}
	defer tx.Rollback()

	for _, inst := range seed.Instances {
		if err := upsertInstance(ctx, tx, inst); err != nil {
			return err
		}
	}
	for _, v := range seed.VIFs {
		if err := upsertVIF(ctx, tx, v); err != nil {
			return err
		}
	}
	now := s.clock.Now()
	for _, ip := range seed.FixedIPs {
		if err := upsertFixedIP(ctx, tx, ip, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to commit import")
	}
	s.logger.Info("imported records", "instances", len(seed.Instances), "vifs", len(seed.VIFs), "fixed_ips", len(seed.FixedIPs))
	return nil
}

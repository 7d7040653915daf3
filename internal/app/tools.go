package app

import (
	"context"
	"errors"
	"fmt"

	"sitesync/internal/config"
	"sitesync/internal/conn"
	"sitesync/internal/journal"
	"sitesync/internal/store"
	logx "sitesync/pkg/logx"
)

// VariantProbe is the outcome of building one client variant and probing it.
type VariantProbe struct {
	Index   int
	Variant string
	Result  conn.ProbeResult
	Build   error
}

// Reachable applies the configured unknown-error policy.
func (v VariantProbe) Reachable(policy conn.UnknownPolicy) bool {
	return v.Build == nil && v.Result.Reachable(policy)
}

func loadSettings(cfgPath string) (settings, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return settings{}, err
	}
	return mapSettings(cfg)
}

// ProbeVariants builds every configured variant against the store, probes
// each one once and closes it again. Nothing is installed.
func ProbeVariants(ctx context.Context, cfgPath string, log logx.Logger) ([]VariantProbe, conn.UnknownPolicy, error) {
	set, err := loadSettings(cfgPath)
	if err != nil {
		return nil, 0, err
	}
	b, err := OpenBackend(set.storeDriver, set.sqlite, log)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = b.Close() }()

	prober := conn.NewProber(set.sentinel, set.reinit.ProbeTimeout)
	variants := set.reinit.Variants
	if len(variants) == 0 {
		variants = store.DefaultVariants()
	}
	out := make([]VariantProbe, 0, len(variants))
	for i, v := range variants {
		vp := VariantProbe{Index: i, Variant: v.String()}
		c, err := b.Factory.Build(ctx, v)
		if err != nil {
			vp.Build = err
			out = append(out, vp)
			continue
		}
		vp.Result = prober.Probe(ctx, c, set.reinit.ProbeTimeout)
		_ = c.Close()
		out = append(out, vp)
	}
	return out, set.monitor.UnknownPolicy, nil
}

// RecentJournal reads the newest n journal entries.
func RecentJournal(ctx context.Context, cfgPath string, n int, log logx.Logger) ([]journal.Entry, error) {
	set, err := loadSettings(cfgPath)
	if err != nil {
		return nil, err
	}
	st, err := journal.Open(set.journal, log)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errors.New("journal is disabled in the config")
	}
	defer func() { _ = st.Close() }()
	return st.Recent(ctx, n)
}

// PutDocument writes one document to the configured store. Only a store that
// outlives this process can take it.
func PutDocument(ctx context.Context, cfgPath, path string, data map[string]any, log logx.Logger) error {
	set, err := loadSettings(cfgPath)
	if err != nil {
		return err
	}
	if set.storeDriver != "sqlite" {
		return fmt.Errorf("put needs the sqlite store driver, config uses %q", set.storeDriver)
	}
	b, err := OpenBackend(set.storeDriver, set.sqlite, log)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()
	return b.Put(ctx, path, data)
}

// Package secrets holds credentials loaded at startup and scrubs secret-like
// content out of text before it leaves the process.
package secrets

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync/atomic"
)

// minScrubLen is the shortest value RedactString will mask. Shorter values
// would hit too much ordinary text.
const minScrubLen = 4

// Loader retrieves secrets from a source (env vars, file, remote vault, etc.).
type Loader func() (map[string]string, error)

// snapshot is one immutable load: the values plus a replacer that masks them.
type snapshot struct {
	values map[string]string
	scrub  *strings.Replacer
}

func newSnapshot(values map[string]string) *snapshot {
	secrets := make([]string, 0, len(values))
	for _, v := range values {
		if len(v) >= minScrubLen {
			secrets = append(secrets, v)
		}
	}
	// Longest first, so a secret that contains another is masked whole.
	slices.SortFunc(secrets, func(a, b string) int { return cmp.Compare(len(b), len(a)) })

	pairs := make([]string, 0, 2*len(secrets))
	for _, s := range secrets {
		pairs = append(pairs, s, mask(s))
	}
	return &snapshot{values: values, scrub: strings.NewReplacer(pairs...)}
}

// Vault serves the latest successful load. Readers never block a Reload.
type Vault struct {
	cur    atomic.Pointer[snapshot]
	loader Loader
}

// NewVault creates a Vault, calling the loader once to populate initial values.
func NewVault(loader Loader) (*Vault, error) {
	v := &Vault{loader: loader}
	if err := v.load(); err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return v, nil
}

// Reload re-runs the loader. On error the previous values stay in place.
func (v *Vault) Reload() error {
	if err := v.load(); err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	return nil
}

func (v *Vault) load() error {
	vals, err := v.loader()
	if err != nil {
		return err
	}
	v.cur.Store(newSnapshot(vals))
	return nil
}

// Get returns the secret for key, or "" when it is not loaded.
func (v *Vault) Get(key string) string {
	return v.cur.Load().values[key]
}

// Keys lists loaded secret names in sorted order.
func (v *Vault) Keys() []string {
	return slices.Sorted(maps.Keys(v.cur.Load().values))
}

// Redacted is the masked form of one secret, for logging which credential
// was used without printing it.
func (v *Vault) Redacted(key string) string {
	if val := v.Get(key); val != "" {
		return mask(val)
	}
	return ""
}

// RedactString masks every loaded secret found in s. Step errors and tool
// outputs pass through here before they are persisted or published.
func (v *Vault) RedactString(s string) string {
	return v.cur.Load().scrub.Replace(s)
}

// mask keeps two leading characters of values longer than four.
func mask(val string) string {
	if len(val) <= 4 {
		return "****"
	}
	return val[:2] + "****"
}

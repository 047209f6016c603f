package wallet

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nightminer/harvester/logging"
	"github.com/nightminer/harvester/store"
)

type Status string

const (
	Unregistered Status = "unregistered"
	Registered   Status = "registered"
)

// Registrar submits a signed registration to the authority.
type Registrar interface {
	Register(ctx context.Context, address, signature, pubKey string) error
}

// Registration is the status of one address in one project.
type Registration struct {
	Project   string    `json:"project"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type registrations struct {
	Projects []projectRecord
}

type projectRecord struct {
	Project   string
	Status    string
	UpdatedAt int64
}

// Registry maps every address to its status per project.
type Registry struct {
	kv  *store.KV
	now func() time.Time
}

func NewRegistry(kv *store.KV) *Registry {
	return &Registry{kv: kv, now: time.Now}
}

func registrationKey(address string) []byte {
	return store.Key("registration", address)
}

// Status returns Unregistered for addresses never seen in the project.
func (r *Registry) Status(ctx context.Context, address, project string) (Status, error) {
	all, err := r.Registrations(ctx, address)
	if err != nil {
		return "", err
	}
	for _, reg := range all {
		if reg.Project == project {
			return reg.Status, nil
		}
	}
	return Unregistered, nil
}

// Registrations lists the projects known for address, sorted by project.
func (r *Registry) Registrations(ctx context.Context, address string) ([]Registration, error) {
	var rec registrations
	err := r.kv.Get(registrationKey(address), &rec)
	switch {
	case store.IsNotFound(err):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("loading registrations of %s: %w", address, err)
	}
	out := make([]Registration, 0, len(rec.Projects))
	for _, p := range rec.Projects {
		out = append(out, Registration{Project: p.Project, Status: Status(p.Status), UpdatedAt: time.Unix(0, p.UpdatedAt).UTC()})
	}
	return out, nil
}

func (r *Registry) Set(ctx context.Context, address, project string, status Status) error {
	key := registrationKey(address)
	err := r.kv.Update(ctx, func(tx *store.Tx) error {
		var rec registrations
		if err := tx.Get(key, &rec); err != nil && !store.IsNotFound(err) {
			return err
		}
		now := r.now().UnixNano()
		found := false
		for i := range rec.Projects {
			if rec.Projects[i].Project == project {
				rec.Projects[i].Status = string(status)
				rec.Projects[i].UpdatedAt = now
				found = true
			}
		}
		if !found {
			rec.Projects = append(rec.Projects, projectRecord{Project: project, Status: string(status), UpdatedAt: now})
			sort.Slice(rec.Projects, func(i, j int) bool { return rec.Projects[i].Project < rec.Projects[j].Project })
		}
		return tx.Put(key, &rec)
	})
	if err != nil {
		return fmt.Errorf("storing registration of %s: %w", address, err)
	}
	return nil
}

// Register signs message with the key at index and registers the address in
// project, unless it already is.
func (r *Registry) Register(ctx context.Context, w Wallet, registrar Registrar, index int, project, message string) (Address, error) {
	addr, err := w.DeriveAddress(ctx, index)
	if err != nil {
		return Address{}, err
	}
	logger := logging.FromContext(ctx).With(zap.String("address", addr.Bech32), zap.String("project", project))
	status, err := r.Status(ctx, addr.Bech32, project)
	if err != nil {
		return Address{}, err
	}
	if status == Registered {
		logger.Debug("address already registered")
		return addr, nil
	}
	signature, err := w.Sign(ctx, index, message)
	if err != nil {
		return Address{}, fmt.Errorf("signing registration of %s: %w", addr.Bech32, err)
	}
	if err := registrar.Register(ctx, addr.Bech32, signature, addr.PubKeyHex); err != nil {
		return Address{}, err
	}
	if err := r.Set(ctx, addr.Bech32, project, Registered); err != nil {
		return Address{}, err
	}
	logger.Info("address registered")
	return addr, nil
}

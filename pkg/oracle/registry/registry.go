// Package registry records submitted datasets and registered models.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/phenomenon0/prophetia/pkg/oracle/validate"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrDatasetNotFound = errors.New("dataset not found")
	ErrModelNotFound   = errors.New("model not found")
	ErrDuplicateName   = errors.New("name already registered by owner")
	ErrDuplicateFile   = errors.New("file already submitted")
)

// DatasetGate decides whether a dataset quality score is acceptable.
type DatasetGate interface {
	CheckDataset(quality decimal.Decimal) error
}

// Dataset is a data source that models can train on.
type Dataset struct {
	ID           string          `json:"id"`
	Provider     string          `json:"provider"`
	Name         string          `json:"name"`
	FileHash     string          `json:"file_hash"`
	QualityScore decimal.Decimal `json:"quality_score"`
	SubmittedAt  time.Time       `json:"submitted_at"`
}

// Model is a registered prediction model.
type Model struct {
	ID           string    `json:"id"`
	Creator      string    `json:"creator"`
	Name         string    `json:"name"`
	DatasetID    string    `json:"dataset_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Registry is safe for concurrent use.
type Registry struct {
	gate DatasetGate
	now  func() time.Time

	mu       sync.RWMutex
	datasets map[string]*Dataset
	models   map[string]*Model
	names    map[string]string // owner + normalized name -> id
	hashes   map[string]string // file hash -> dataset id
}

// New creates a registry. gate may be nil, in which case only the quality
// range is checked.
func New(gate DatasetGate) *Registry {
	return &Registry{
		gate:     gate,
		now:      time.Now,
		datasets: make(map[string]*Dataset),
		models:   make(map[string]*Model),
		names:    make(map[string]string),
		hashes:   make(map[string]string),
	}
}

// SetClock overrides the time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// SubmitDataset validates and records a dataset.
func (r *Registry) SubmitDataset(provider, name, fileHash string, quality decimal.Decimal) (*Dataset, error) {
	if strings.TrimSpace(provider) == "" {
		return nil, &validate.ValidationError{Field: "provider", Reason: "required"}
	}
	key := NormalizeName(name)
	if key == "" {
		return nil, &validate.ValidationError{Field: "name", Value: name, Reason: "required"}
	}
	if err := validate.CheckFileHash(fileHash); err != nil {
		return nil, err
	}
	if r.gate != nil {
		if err := r.gate.CheckDataset(quality); err != nil {
			return nil, err
		}
	} else if err := validate.CheckQuality(quality); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	nameKey := "dataset:" + provider + ":" + key
	if _, exists := r.names[nameKey]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	if id, exists := r.hashes[fileHash]; exists {
		return nil, fmt.Errorf("%w: %s is dataset %s", ErrDuplicateFile, fileHash, id)
	}

	ds := &Dataset{
		ID:           uuid.New().String(),
		Provider:     provider,
		Name:         strings.Join(strings.Fields(name), " "),
		FileHash:     fileHash,
		QualityScore: quality,
		SubmittedAt:  r.now().UTC(),
	}
	r.datasets[ds.ID] = ds
	r.names[nameKey] = ds.ID
	r.hashes[fileHash] = ds.ID

	c := *ds
	return &c, nil
}

// RegisterModel records a model trained on datasetID.
func (r *Registry) RegisterModel(creator, name, datasetID string) (*Model, error) {
	if strings.TrimSpace(creator) == "" {
		return nil, &validate.ValidationError{Field: "creator", Reason: "required"}
	}
	key := NormalizeName(name)
	if key == "" {
		return nil, &validate.ValidationError{Field: "name", Value: name, Reason: "required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.datasets[datasetID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, datasetID)
	}
	nameKey := "model:" + creator + ":" + key
	if _, exists := r.names[nameKey]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}

	m := &Model{
		ID:           uuid.New().String(),
		Creator:      creator,
		Name:         strings.Join(strings.Fields(name), " "),
		DatasetID:    datasetID,
		RegisteredAt: r.now().UTC(),
	}
	r.models[m.ID] = m
	r.names[nameKey] = m.ID

	c := *m
	return &c, nil
}

// Dataset returns a dataset by ID.
func (r *Registry) Dataset(id string) (*Dataset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ds, ok := r.datasets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, id)
	}
	c := *ds
	return &c, nil
}

// Model returns a model by ID.
func (r *Registry) Model(id string) (*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	c := *m
	return &c, nil
}

// Datasets returns all datasets, oldest first.
func (r *Registry) Datasets() []*Dataset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Dataset, 0, len(r.datasets))
	for _, ds := range r.datasets {
		c := *ds
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Models returns all models, oldest first.
func (r *Registry) Models() []*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Model, 0, len(r.models))
	for _, m := range r.models {
		c := *m
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

// NormalizeName folds case, strips accents and collapses whitespace so
// that "Équity  Prices" and "equity prices" collide.
func NormalizeName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	name, _, _ = transform.String(t, name)
	name = cases.Fold().String(name)
	return strings.Join(strings.Fields(name), " ")
}

package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidOperation reports a checkpoint list change that would break ordering rules.
var ErrInvalidOperation = errors.New("invalid checkpoint operation")

type Provider string

const (
	ProviderLinkvertise Provider = "linkvertise"
	ProviderLootLabs    Provider = "lootlabs"
	ProviderWorkInk     Provider = "workink"
)

func ParseProvider(raw string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(raw))); p {
	case ProviderLinkvertise, ProviderLootLabs, ProviderWorkInk:
		return p, nil
	default:
		return "", fmt.Errorf("unknown provider %q", raw)
	}
}

// RequiresVerification reports whether completions must be confirmed with the
// provider's hash verification endpoint.
func (p Provider) RequiresVerification() bool {
	return p == ProviderLinkvertise
}

type Checkpoint struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id"`
	KeysystemID string    `gorm:"size:64;index;not null" json:"-"`
	Position    int       `gorm:"not null" json:"position"`
	Provider    Provider  `gorm:"size:32;not null" json:"provider"`
	Mandatory   bool      `gorm:"not null;default:false" json:"mandatory"`
	RedirectURL string    `gorm:"size:1024" json:"redirect_url"`
	CreatedAt   time.Time `json:"created_at"`
}

func lockedFirst(list []Checkpoint) bool {
	return len(list) > 0 && list[0].Mandatory
}

// InsertCheckpoint returns a copy of list with cp placed at position pos.
func InsertCheckpoint(list []Checkpoint, cp Checkpoint, pos int) ([]Checkpoint, error) {
	if pos < 0 || pos > len(list) {
		return nil, fmt.Errorf("%w: position %d out of range [0,%d]", ErrInvalidOperation, pos, len(list))
	}
	if pos == 0 && lockedFirst(list) {
		return nil, fmt.Errorf("%w: mandatory checkpoint must stay first", ErrInvalidOperation)
	}
	if cp.Mandatory && pos != 0 {
		return nil, fmt.Errorf("%w: only the first checkpoint can be mandatory", ErrInvalidOperation)
	}
	out := make([]Checkpoint, 0, len(list)+1)
	out = append(out, list[:pos]...)
	out = append(out, cp)
	out = append(out, list[pos:]...)
	return renumber(out), nil
}

// RemoveCheckpoint returns a copy of list without the checkpoint at pos, and the removed checkpoint.
func RemoveCheckpoint(list []Checkpoint, pos int) ([]Checkpoint, Checkpoint, error) {
	if pos < 0 || pos >= len(list) {
		return nil, Checkpoint{}, fmt.Errorf("%w: position %d out of range [0,%d)", ErrInvalidOperation, pos, len(list))
	}
	if pos == 0 && lockedFirst(list) {
		return nil, Checkpoint{}, fmt.Errorf("%w: mandatory checkpoint cannot be removed", ErrInvalidOperation)
	}
	removed := list[pos]
	out := make([]Checkpoint, 0, len(list)-1)
	out = append(out, list[:pos]...)
	out = append(out, list[pos+1:]...)
	return renumber(out), removed, nil
}

// ReorderCheckpoints extracts the element at from and reinserts it at to.
func ReorderCheckpoints(list []Checkpoint, from, to int) ([]Checkpoint, error) {
	if from < 0 || from >= len(list) || to < 0 || to >= len(list) {
		return nil, fmt.Errorf("%w: reorder %d->%d out of range [0,%d)", ErrInvalidOperation, from, to, len(list))
	}
	if (from == 0 || to == 0) && lockedFirst(list) {
		return nil, fmt.Errorf("%w: mandatory checkpoint must stay first", ErrInvalidOperation)
	}
	out := make([]Checkpoint, 0, len(list))
	out = append(out, list...)
	moved := out[from]
	out = append(out[:from], out[from+1:]...)
	out = append(out[:to], append([]Checkpoint{moved}, out[to:]...)...)
	return renumber(out), nil
}

func renumber(list []Checkpoint) []Checkpoint {
	for i := range list {
		list[i].Position = i
	}
	return list
}

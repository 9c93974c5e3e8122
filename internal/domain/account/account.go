// Package account contains the ledger record kept for every external user.
package account

import (
	"encoding/json"
	"sort"
	"time"
)

// Profile is the identity snapshot received with an inbound interaction.
type Profile struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	Handle       string `json:"handle"`
	LanguageCode string `json:"language_code"`
	Privileged   bool   `json:"privileged"`
}

// ReferralEntry records one account referred by the owner.
type ReferralEntry struct {
	BonusAwarded int64     `json:"bonus_awarded"`
	SnapshotName string    `json:"snapshot_name"`
	ReferredAt   time.Time `json:"referred_at"`
}

// DailyClaim tracks the daily reward cooldown and streak.
type DailyClaim struct {
	LastClaimedAt *time.Time `json:"last_claimed_at,omitempty"`
	StreakDay     int        `json:"streak_day"`
}

// ActiveFeature is a paid, time-limited feature.
type ActiveFeature struct {
	Name        string    `json:"name"`
	Cost        int64     `json:"cost"`
	ActivatedAt time.Time `json:"activated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the feature is no longer active at now.
func (f *ActiveFeature) Expired(now time.Time) bool {
	return f != nil && !now.Before(f.ExpiresAt)
}

// Task is a one-time, point-valued task from the catalog.
type Task struct {
	ID     string `json:"id"`
	Points int64  `json:"points"`
}

// TaskSet is the set of completed task ids. It is encoded as a sorted array.
type TaskSet map[string]struct{}

// Has reports whether id is in the set.
func (s TaskSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// List returns the ids in ascending order.
func (s TaskSet) List() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON implements json.Marshaler.
func (s TaskSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.List())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *TaskSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewTaskSet(ids...)
	return nil
}

// NewTaskSet builds a set from ids.
func NewTaskSet(ids ...string) TaskSet {
	s := make(TaskSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Account is the ledger record for one external user identity.
//
// Balance never goes negative. ReferredBy is set at most once. Referrals and
// CompletedTasks only grow. Version is owned by the store and changes on
// every committed write.
type Account struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	Handle       string `json:"handle"`
	LanguageCode string `json:"language_code"`
	Privileged   bool   `json:"privileged"`

	Balance        int64                    `json:"balance"`
	ReferredBy     string                   `json:"referred_by,omitempty"`
	Referrals      map[string]ReferralEntry `json:"referrals"`
	CompletedTasks TaskSet                  `json:"completed_tasks"`
	Daily          DailyClaim               `json:"daily"`
	ActiveFeature  *ActiveFeature           `json:"active_feature,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// New returns a fresh account for p with zero ledger state.
func New(p Profile, now time.Time) *Account {
	a := &Account{
		Referrals:      make(map[string]ReferralEntry),
		CompletedTasks: make(TaskSet),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	a.ID = p.ID
	a.ApplyProfile(p)
	return a
}

// Profile returns the identity snapshot stored on the account.
func (a *Account) Profile() Profile {
	return Profile{
		ID:           a.ID,
		DisplayName:  a.DisplayName,
		Handle:       a.Handle,
		LanguageCode: a.LanguageCode,
		Privileged:   a.Privileged,
	}
}

// ProfileMatches reports whether the stored snapshot already equals p.
func (a *Account) ProfileMatches(p Profile) bool {
	return a.DisplayName == p.DisplayName && a.Handle == p.Handle &&
		a.LanguageCode == p.LanguageCode && a.Privileged == p.Privileged
}

// ApplyProfile copies the descriptive fields of p onto the account and
// reports whether anything changed. Ledger fields are never touched.
func (a *Account) ApplyProfile(p Profile) bool {
	if a.ProfileMatches(p) {
		return false
	}
	a.DisplayName = p.DisplayName
	a.Handle = p.Handle
	a.LanguageCode = p.LanguageCode
	a.Privileged = p.Privileged
	return true
}

// Normalize replaces nil collections with empty ones so decoded records
// behave like freshly created ones.
func (a *Account) Normalize() {
	if a.Referrals == nil {
		a.Referrals = make(map[string]ReferralEntry)
	}
	if a.CompletedTasks == nil {
		a.CompletedTasks = make(TaskSet)
	}
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.Referrals = make(map[string]ReferralEntry, len(a.Referrals))
	for k, v := range a.Referrals {
		c.Referrals[k] = v
	}
	c.CompletedTasks = make(TaskSet, len(a.CompletedTasks))
	for k := range a.CompletedTasks {
		c.CompletedTasks[k] = struct{}{}
	}
	if a.Daily.LastClaimedAt != nil {
		t := *a.Daily.LastClaimedAt
		c.Daily.LastClaimedAt = &t
	}
	if a.ActiveFeature != nil {
		f := *a.ActiveFeature
		c.ActiveFeature = &f
	}
	return &c
}

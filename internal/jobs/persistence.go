package jobs

import (
	"time"

	"github.com/bard-backup/bard/internal/db"
)

// Unlimited marks a persistence bound without limit: maxKeep "unlimited" or
// maxAge "forever".
const Unlimited = 0

// PersistenceRule is one retention-policy entry of a job. Rules of the same
// archive type partition the job's entities into periods by ascending
// maxAge.
type PersistenceRule struct {
	ID      int
	Type    db.ArchiveType
	MinKeep int    // minimum entities kept in the period; 0 = none
	MaxKeep int    // maximum entities kept; Unlimited = no cap
	MaxAge  int    // days; Unlimited = forever
	MoveTo  string // optional destination URI for expired entities
}

// PersistenceList is the ordered rule list of a job plus its modification
// timestamp. The persistence engine defers expiration for 10 minutes after
// the last modification so an operator editing rules does not race the
// purge.
type PersistenceList struct {
	Rules          []*PersistenceRule
	LastModifiedAt time.Time
	nextID         int
}

// Add inserts a rule keeping the order (archive type, then ascending
// maxAge with forever last) and returns its id. Adding an exact duplicate
// of an existing rule is a no-op returning the existing id.
func (pl *PersistenceList) Add(rule PersistenceRule) int {
	for _, r := range pl.Rules {
		if r.Type == rule.Type && r.MinKeep == rule.MinKeep &&
			r.MaxKeep == rule.MaxKeep && r.MaxAge == rule.MaxAge &&
			r.MoveTo == rule.MoveTo {
			return r.ID
		}
	}

	pl.nextID++
	rule.ID = pl.nextID
	r := rule

	pos := len(pl.Rules)
	for i, existing := range pl.Rules {
		if less(&r, existing) {
			pos = i
			break
		}
	}
	pl.Rules = append(pl.Rules, nil)
	copy(pl.Rules[pos+1:], pl.Rules[pos:])
	pl.Rules[pos] = &r

	pl.LastModifiedAt = time.Now()
	return r.ID
}

// less orders rules by archive type then ascending maxAge, forever last.
func less(a, b *PersistenceRule) bool {
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	if a.MaxAge == Unlimited {
		return false
	}
	if b.MaxAge == Unlimited {
		return true
	}
	return a.MaxAge < b.MaxAge
}

// Find returns the rule with the given id, or nil.
func (pl *PersistenceList) Find(id int) *PersistenceRule {
	for _, r := range pl.Rules {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Update replaces the fields of the rule with the given id and re-sorts.
func (pl *PersistenceList) Update(id int, rule PersistenceRule) bool {
	if !pl.remove(id) {
		return false
	}
	rule.ID = id
	r := rule
	pos := len(pl.Rules)
	for i, existing := range pl.Rules {
		if less(&r, existing) {
			pos = i
			break
		}
	}
	pl.Rules = append(pl.Rules, nil)
	copy(pl.Rules[pos+1:], pl.Rules[pos:])
	pl.Rules[pos] = &r
	pl.LastModifiedAt = time.Now()
	return true
}

// Remove deletes the rule with the given id.
func (pl *PersistenceList) Remove(id int) bool {
	if pl.remove(id) {
		pl.LastModifiedAt = time.Now()
		return true
	}
	return false
}

func (pl *PersistenceList) remove(id int) bool {
	for i, r := range pl.Rules {
		if r.ID == id {
			pl.Rules = append(pl.Rules[:i], pl.Rules[i+1:]...)
			return true
		}
	}
	return false
}

// Clear drops all rules.
func (pl *PersistenceList) Clear() {
	pl.Rules = nil
	pl.LastModifiedAt = time.Now()
}

// HasType reports whether any rule exists for the given archive type.
func (pl *PersistenceList) HasType(t db.ArchiveType) bool {
	for _, r := range pl.Rules {
		if r.Type == t {
			return true
		}
	}
	return false
}

// RulesOfType returns the rules for one archive type in period order.
func (pl *PersistenceList) RulesOfType(t db.ArchiveType) []*PersistenceRule {
	var out []*PersistenceRule
	for _, r := range pl.Rules {
		if r.Type == t {
			out = append(out, r)
		}
	}
	return out
}

// Assign returns the rule an entity of the given type and age (days)
// belongs to: the first rule whose maxAge window contains the age, or the
// forever rule, or — if none matches — the last existing rule of the type,
// so entities are never orphaned. Returns nil when the job has no rule for
// this archive type.
func (pl *PersistenceList) Assign(t db.ArchiveType, ageDays int) *PersistenceRule {
	rules := pl.RulesOfType(t)
	if len(rules) == 0 {
		return nil
	}
	for _, r := range rules {
		if r.MaxAge == Unlimited || ageDays <= r.MaxAge {
			return r
		}
	}
	return rules[len(rules)-1]
}

// Clone returns a deep copy of the list.
func (pl PersistenceList) Clone() PersistenceList {
	c := PersistenceList{
		LastModifiedAt: pl.LastModifiedAt,
		nextID:         pl.nextID,
	}
	for _, r := range pl.Rules {
		cr := *r
		c.Rules = append(c.Rules, &cr)
	}
	return c
}

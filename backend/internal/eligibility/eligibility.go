// Package `eligibility` decides whether an item may be replicated to the
// remote federation.
//
// An item is eligible iff it carries the public rights marker, is archived and
// not withdrawn, has no embargo lift field, and is readable by the configured
// authorizer.  The embargo date is not evaluated.  Its presence alone blocks
// replication; lifting an embargo must clear the field.
//
// `Policy` has no mutable state and is safe for concurrent use.
package eligibility

import (
	"errors"
	"fmt"

	"github.com/nogproject/nogb2/backend/internal/items"
)

const DefaultPublicMarker = "PUB"

var (
	ErrNotPublic   = errors.New("missing public rights marker")
	ErrNotArchived = errors.New("item not archived")
	ErrWithdrawn   = errors.New("item withdrawn")
	ErrEmbargoed   = errors.New("item under embargo")
	ErrNotReadable = errors.New("item not readable")
	ErrEvaluation  = errors.New("eligibility evaluation failed")
)

type Config struct {
	RightsField  string
	PublicMarker string
	EmbargoField string
	Authorizer   items.Authorizer
}

type Policy struct {
	rightsField  string
	publicMarker string
	embargoField string
	authz        items.Authorizer
}

func NewPolicy(cfg *Config) *Policy {
	p := &Policy{
		rightsField:  cfg.RightsField,
		publicMarker: cfg.PublicMarker,
		embargoField: cfg.EmbargoField,
		authz:        cfg.Authorizer,
	}
	if p.rightsField == "" {
		p.rightsField = items.FieldRightsLabel
	}
	if p.publicMarker == "" {
		p.publicMarker = DefaultPublicMarker
	}
	if p.embargoField == "" {
		p.embargoField = items.FieldEmbargoLift
	}
	return p
}

func (p *Policy) IsReplicatable(item items.Item) bool {
	return p.Check(item) == nil
}

// `Check()` returns nil if `item` is eligible, or an error that names the
// first failed condition.  Any failure during evaluation, including a panic in
// a collaborator, makes the item ineligible.
func (p *Policy) Check(item items.Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrEvaluation, r)
		}
	}()

	if item == nil {
		return fmt.Errorf("%w: nil item", ErrEvaluation)
	}
	if !p.hasPublicMarker(item) {
		return ErrNotPublic
	}
	if !item.IsArchived() {
		return ErrNotArchived
	}
	if item.IsWithdrawn() {
		return ErrWithdrawn
	}
	if _, ok := items.FirstValue(item, p.embargoField); ok {
		return ErrEmbargoed
	}
	if p.authz == nil {
		return fmt.Errorf("%w: no authorizer", ErrEvaluation)
	}
	ok, err := p.authz.CanRead(item)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEvaluation, err)
	}
	if !ok {
		return ErrNotReadable
	}
	return nil
}

func (p *Policy) hasPublicMarker(item items.Item) bool {
	for _, v := range item.Values(p.rightsField) {
		if v == p.publicMarker {
			return true
		}
	}
	return false
}

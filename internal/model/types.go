package model

import (
	"fmt"
	"strings"
	"time"
)

// EntityType is the closed set of things a consent record can govern.
type EntityType string

const (
	EntityPerson       EntityType = "person"
	EntityOrganization EntityType = "organization"
	EntityEvidence     EntityType = "evidence"
	EntityIntervention EntityType = "intervention"
	EntityStory        EntityType = "story"
	EntityContext      EntityType = "context"
	EntityOutcome      EntityType = "outcome"
)

// EntityTypes lists every valid entity type.
var EntityTypes = []EntityType{
	EntityPerson,
	EntityOrganization,
	EntityEvidence,
	EntityIntervention,
	EntityStory,
	EntityContext,
	EntityOutcome,
}

// Valid reports whether t is a member of the closed set.
func (t EntityType) Valid() bool {
	switch t {
	case EntityPerson, EntityOrganization, EntityEvidence, EntityIntervention,
		EntityStory, EntityContext, EntityOutcome:
		return true
	default:
		return false
	}
}

// ParseEntityType maps a string to an EntityType. Unknown values are rejected.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

// EntityRef identifies one governed entity.
type EntityRef struct {
	Type EntityType `json:"entity_type" yaml:"type"`
	ID   string     `json:"entity_id" yaml:"id"`
}

// String renders the reference as "type:id".
func (r EntityRef) String() string {
	return string(r.Type) + ":" + r.ID
}

// Validate rejects references with an unknown type or an empty id.
func (r EntityRef) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("unknown entity type %q", r.Type)
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("entity id must not be empty")
	}
	return nil
}

// ParseEntityRef parses "type:id" into an EntityRef.
func ParseEntityRef(s string) (EntityRef, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok {
		return EntityRef{}, fmt.Errorf("entity reference %q must have the form type:id", s)
	}
	t, err := ParseEntityType(typ)
	if err != nil {
		return EntityRef{}, err
	}
	ref := EntityRef{Type: t, ID: strings.TrimSpace(id)}
	if err := ref.Validate(); err != nil {
		return EntityRef{}, err
	}
	return ref, nil
}

// ConsentLevel is the restriction tier of an entity's data.
type ConsentLevel string

const (
	LevelPublic    ConsentLevel = "public_knowledge_commons"
	LevelCommunity ConsentLevel = "community_controlled"
	LevelPrivate   ConsentLevel = "strictly_private"
)

// LevelRank orders levels by increasing restriction.
var LevelRank = map[ConsentLevel]int{
	LevelPublic:    0,
	LevelCommunity: 1,
	LevelPrivate:   2,
}

var levelLabels = map[ConsentLevel]string{
	LevelPublic:    "Public Knowledge Commons",
	LevelCommunity: "Community Controlled",
	LevelPrivate:   "Strictly Private",
}

// Valid reports whether l is a known level.
func (l ConsentLevel) Valid() bool {
	_, ok := LevelRank[l]
	return ok
}

// Label returns the human-readable name of the level.
func (l ConsentLevel) Label() string {
	if s, ok := levelLabels[l]; ok {
		return s
	}
	return string(l)
}

// ParseConsentLevel accepts either the wire value or the display label.
func ParseConsentLevel(s string) (ConsentLevel, error) {
	s = strings.TrimSpace(s)
	for l, label := range levelLabels {
		if strings.EqualFold(s, string(l)) || strings.EqualFold(s, label) {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown consent level %q", s)
}

// PermittedUse is one action kind a consent record can authorize.
type PermittedUse string

const (
	UseQueryInternal PermittedUse = "query_internal"
	UsePublish       PermittedUse = "publish"
	UseExportReports PermittedUse = "export_reports"
	UseTrainingAI    PermittedUse = "training_ai"
	UseCommercial    PermittedUse = "commercial"
)

// PermittedUses lists every valid use.
var PermittedUses = []PermittedUse{
	UseQueryInternal,
	UsePublish,
	UseExportReports,
	UseTrainingAI,
	UseCommercial,
}

var useLabels = map[PermittedUse]string{
	UseQueryInternal: "Query (internal)",
	UsePublish:       "Publish",
	UseExportReports: "Export (reports)",
	UseTrainingAI:    "Training (AI)",
	UseCommercial:    "Commercial",
}

// Valid reports whether u is a known use.
func (u PermittedUse) Valid() bool {
	_, ok := useLabels[u]
	return ok
}

// Label returns the human-readable name of the use.
func (u PermittedUse) Label() string {
	if s, ok := useLabels[u]; ok {
		return s
	}
	return string(u)
}

// ParsePermittedUse accepts either the wire value or the display label.
func ParsePermittedUse(s string) (PermittedUse, error) {
	s = strings.TrimSpace(s)
	for u, label := range useLabels {
		if strings.EqualFold(s, string(u)) || strings.EqualFold(s, label) {
			return u, nil
		}
	}
	return "", fmt.Errorf("unknown permitted use %q", s)
}

// Contributor is credited on a consent record for attribution.
type Contributor struct {
	Name         string `json:"name" yaml:"name"`
	Organization string `json:"organization,omitempty" yaml:"organization,omitempty"`
	Role         string `json:"role,omitempty" yaml:"role,omitempty"`
	Contact      string `json:"contact,omitempty" yaml:"contact,omitempty"`
}

// RevenueShare configures the share of generated revenue owed to contributors.
type RevenueShare struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	Percentage float64 `json:"percentage" yaml:"percentage"`
}

// TrainingOverride is the explicit permission that lets a Community Controlled
// entry be used for AI training. Listing training_ai in the permitted uses is
// not enough on its own.
type TrainingOverride struct {
	GrantedBy string    `json:"granted_by" yaml:"granted_by"`
	GrantedAt time.Time `json:"granted_at" yaml:"granted_at"`
	Note      string    `json:"note,omitempty" yaml:"note,omitempty"`
}

// Entry is one consent decision in the ledger. Entries are append-only;
// only the revocation fields are ever changed after creation.
type Entry struct {
	ID     string    `json:"id"`
	Seq    int64     `json:"seq"`
	Entity EntityRef `json:"entity"`

	Level             ConsentLevel   `json:"consent_level"`
	PermittedUses     []PermittedUse `json:"permitted_uses"`
	CulturalAuthority string         `json:"cultural_authority,omitempty"`

	Contributors    []Contributor `json:"contributors"`
	AttributionText string        `json:"attribution_text,omitempty"`

	GivenBy   string     `json:"consent_given_by"`
	GivenAt   time.Time  `json:"consent_given_at"`
	ExpiresAt *time.Time `json:"consent_expires_at,omitempty"`

	Revoked          bool       `json:"consent_revoked"`
	RevokedAt        *time.Time `json:"consent_revoked_at,omitempty"`
	RevokedBy        string     `json:"consent_revoked_by,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`

	RevenueShare     *RevenueShare     `json:"revenue_share,omitempty"`
	TrainingOverride *TrainingOverride `json:"training_override,omitempty"`

	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Permits reports whether u is in the entry's permitted-use set.
func (e *Entry) Permits(u PermittedUse) bool {
	for _, p := range e.PermittedUses {
		if p == u {
			return true
		}
	}
	return false
}

// ExpiredAt reports whether the entry's expiry has been reached at now.
func (e *Entry) ExpiredAt(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// ConsentInput carries the fields of a new ledger entry.
type ConsentInput struct {
	Entity            EntityRef         `json:"entity" yaml:"entity"`
	Level             ConsentLevel      `json:"consent_level" yaml:"level"`
	PermittedUses     []PermittedUse    `json:"permitted_uses" yaml:"permitted_uses"`
	CulturalAuthority string            `json:"cultural_authority,omitempty" yaml:"cultural_authority,omitempty"`
	Contributors      []Contributor     `json:"contributors,omitempty" yaml:"contributors,omitempty"`
	AttributionText   string            `json:"attribution_text,omitempty" yaml:"attribution_text,omitempty"`
	GrantedBy         string            `json:"consent_given_by" yaml:"granted_by"`
	ExpiresAt         *time.Time        `json:"consent_expires_at,omitempty" yaml:"expires_at,omitempty"`
	RevenueShare      *RevenueShare     `json:"revenue_share,omitempty" yaml:"revenue_share,omitempty"`
	TrainingOverride  *TrainingOverride `json:"training_override,omitempty" yaml:"training_override,omitempty"`
	Notes             string            `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// Revocation describes who revoked the current entry and why.
type Revocation struct {
	RevokedBy string    `json:"revoked_by"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"revoked_at"`
}

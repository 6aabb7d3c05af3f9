package models

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	FallbackTemplateName     = "General Quality Check"
	FallbackTemplateCategory = "general"
)

// FallbackTemplateId is stable across processes so sessions started on the
// fallback template can be resumed anywhere.
var FallbackTemplateId = TemplateIdFor(FallbackTemplateCategory, FallbackTemplateName)

var fallbackCriterion = struct{ name, description string }{
	"General inspection", "Items arrived as ordered, undamaged and complete",
}

type QualityCheckTemplate struct {
	ID          string                  `gorm:"primaryKey;size:36" db:"id" json:"id"`
	Name        string                  `gorm:"size:255;not null" db:"name" json:"name" validate:"required"`
	Category    string                  `gorm:"size:50;not null;index" db:"category" json:"category" validate:"required"`
	Description string                  `gorm:"type:text" db:"description" json:"description"`
	IsActive    *bool                   `gorm:"not null;default:true" db:"is_active" json:"is_active"`
	Criteria    []QualityCheckCriterion `gorm:"foreignKey:TemplateId" db:"-" json:"criteria" validate:"dive"`
	CreatedAt   time.Time               `gorm:"autoCreateTime" db:"created_at" json:"created_at"`
	UpdatedAt   time.Time               `gorm:"autoUpdateTime" db:"updated_at" json:"updated_at"`
}

type QualityCheckCriterion struct {
	ID          string `gorm:"primaryKey;size:36" db:"id" json:"id"`
	TemplateId  string `gorm:"size:36;not null;index" db:"template_id" json:"template_id"`
	Name        string `gorm:"size:255;not null" db:"name" json:"name" validate:"required"`
	Description string `gorm:"type:text" db:"description" json:"description"`
	SortOrder   int    `gorm:"not null;default:0" db:"sort_order" json:"sort_order"`
}

// TemplateIdFor derives a deterministic id so seeding the same template twice is an upsert.
func TemplateIdFor(category, name string) string {
	key := "qc-template:" + strings.ToLower(strings.TrimSpace(category)) + ":" + strings.ToLower(strings.TrimSpace(name))
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func criterionIdFor(templateId, name string) string {
	return uuid.NewSHA1(uuid.MustParse(templateId), []byte(strings.ToLower(strings.TrimSpace(name)))).String()
}

// FallbackTemplate is offered when the catalog is unreachable or empty.
func FallbackTemplate() QualityCheckTemplate {
	active := true
	t := QualityCheckTemplate{
		ID:          FallbackTemplateId,
		Name:        FallbackTemplateName,
		Category:    FallbackTemplateCategory,
		Description: "Basic quality check for all items",
		IsActive:    &active,
	}
	t.Criteria = []QualityCheckCriterion{{
		ID:          criterionIdFor(t.ID, fallbackCriterion.name),
		TemplateId:  t.ID,
		Name:        fallbackCriterion.name,
		Description: fallbackCriterion.description,
		SortOrder:   1,
	}}
	return t
}

func (t QualityCheckTemplate) IsFallback() bool {
	return t.ID == FallbackTemplateId
}

func (t QualityCheckTemplate) Active() bool {
	return t.IsActive == nil || *t.IsActive
}

// Normalize fills derived ids and orders criteria. Used by the seed loader and stores.
func (t *QualityCheckTemplate) Normalize() {
	t.Name = strings.TrimSpace(t.Name)
	t.Category = strings.ToLower(strings.TrimSpace(t.Category))
	if t.ID == "" {
		t.ID = TemplateIdFor(t.Category, t.Name)
	}
	for i := range t.Criteria {
		t.Criteria[i].TemplateId = t.ID
		if t.Criteria[i].ID == "" {
			t.Criteria[i].ID = criterionIdFor(t.ID, t.Criteria[i].Name)
		}
		if t.Criteria[i].SortOrder == 0 {
			t.Criteria[i].SortOrder = i + 1
		}
	}
	sort.SliceStable(t.Criteria, func(i, j int) bool {
		return t.Criteria[i].SortOrder < t.Criteria[j].SortOrder
	})
}

// GroupTemplatesByCategory keeps input order inside each category.
func GroupTemplatesByCategory(templates []QualityCheckTemplate) map[string][]QualityCheckTemplate {
	grouped := make(map[string][]QualityCheckTemplate)
	for _, t := range templates {
		grouped[t.Category] = append(grouped[t.Category], t)
	}
	return grouped
}

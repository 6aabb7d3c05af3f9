package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/receiving_backend/config"
	"bitbucket.org/mmdatafocus/receiving_backend/models"
	"bitbucket.org/mmdatafocus/receiving_backend/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const templateCacheKey = "qc:templates:active"

type TemplateListing struct {
	Templates    []models.QualityCheckTemplate            `json:"templates"`
	ByCategory   map[string][]models.QualityCheckTemplate `json:"by_category"`
	UsedFallback bool                                     `json:"used_fallback"`
}

// TemplateCatalog lists active templates, caching them in redis when connected.
// It never fails: an unreachable or empty catalog yields the general fallback template.
type TemplateCatalog struct {
	source models.TemplateSource
	logger *logrus.Logger
	ttl    time.Duration
	group  singleflight.Group
}

func NewTemplateCatalog(source models.TemplateSource, logger *logrus.Logger) *TemplateCatalog {
	return &TemplateCatalog{source: source, logger: logger, ttl: config.TemplateCacheTTL()}
}

func (c *TemplateCatalog) List(ctx context.Context) TemplateListing {
	templates, err := c.load(ctx)
	if err != nil {
		config.LogError(c.logger, "TemplateCatalog", "List", "loading templates, using fallback", nil, err)
	}
	if err != nil || len(templates) == 0 {
		fallback := models.FallbackTemplate()
		templates = []models.QualityCheckTemplate{fallback}
		return TemplateListing{
			Templates:    templates,
			ByCategory:   models.GroupTemplatesByCategory(templates),
			UsedFallback: true,
		}
	}
	return TemplateListing{
		Templates:  templates,
		ByCategory: models.GroupTemplatesByCategory(templates),
	}
}

// Resolve finds an offered template by id. The fallback id always resolves, and any id
// resolves to the fallback while the catalog is unreachable or empty. Unknown ids are
// not found only when the catalog answered with templates.
func (c *TemplateCatalog) Resolve(ctx context.Context, templateId string) (models.QualityCheckTemplate, error) {
	if templateId == models.FallbackTemplateId {
		return models.FallbackTemplate(), nil
	}
	listing := c.List(ctx)
	if listing.UsedFallback {
		if c.logger != nil {
			c.logger.WithFields(logrus.Fields{
				"template_id": templateId,
				"fallback_id": models.FallbackTemplateId,
			}).Warn("template catalog unavailable; starting on the fallback template")
		}
		return listing.Templates[0], nil
	}
	for _, t := range listing.Templates {
		if t.ID == templateId {
			return t, nil
		}
	}
	return models.QualityCheckTemplate{}, fmt.Errorf("template %s: %w", templateId, utils.ErrorRecordNotFound)
}

// Invalidate drops the cached list, e.g. after seeding.
func (c *TemplateCatalog) Invalidate(ctx context.Context) {
	if err := config.RemoveRedisKey(ctx, templateCacheKey); err != nil {
		config.LogError(c.logger, "TemplateCatalog", "Invalidate", "removing cache key", templateCacheKey, err)
	}
}

func (c *TemplateCatalog) load(ctx context.Context) ([]models.QualityCheckTemplate, error) {
	if c.ttl > 0 {
		var cached []models.QualityCheckTemplate
		hit, err := config.GetRedisObject(ctx, templateCacheKey, &cached)
		if err != nil {
			config.LogError(c.logger, "TemplateCatalog", "load", "reading cache", templateCacheKey, err)
		}
		if hit && len(cached) > 0 {
			return cached, nil
		}
	}

	v, err, _ := c.group.Do(templateCacheKey, func() (interface{}, error) {
		templates, err := c.source.ListTemplates(ctx)
		if err != nil {
			return nil, err
		}
		if c.ttl > 0 && len(templates) > 0 {
			if err := config.SetRedisObject(ctx, templateCacheKey, templates, c.ttl); err != nil {
				config.LogError(c.logger, "TemplateCatalog", "load", "writing cache", templateCacheKey, err)
			}
		}
		return templates, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.QualityCheckTemplate), nil
}

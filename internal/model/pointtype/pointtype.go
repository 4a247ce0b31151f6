package pointtype

import (
	"context"
	"regexp"
	"time"
)

// PointType is a named, orderable category of points, e.g. "bonus
// points" or "store credit". Read-mostly reference data.
type PointType struct {
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	Name             string    `json:"name"`
	Slug             string    `json:"slug"`
	IconURL          string    `json:"icon_url"`
	Description      string    `json:"description"`
	ShortDescription string    `json:"short_description"`
	ID               int64     `json:"id"`
	MenuOrder        int32     `json:"menu_order"`
}

var slugRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// SlugValid reports whether s is URL-safe. Records with an invalid slug
// get their numeric id as the slug instead.
func SlugValid(s string) bool {
	return slugRe.MatchString(s)
}

type Repository interface {
	Create(ctx context.Context, pt *PointType) (PointType, error)
	GetByID(ctx context.Context, id int64) (PointType, error)
	List(ctx context.Context) ([]PointType, error)
}

package geo

import (
	"time"

	"github.com/google/uuid"
)

// District is a top level administrative division.
type District struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	NameBN    string    `json:"name_bn"`
	Code      string    `json:"code"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Thana is a sub-division of a district. Names are unique within a district.
type Thana struct {
	ID           uuid.UUID `json:"id"`
	DistrictID   uuid.UUID `json:"district_id"`
	DistrictName string    `json:"district_name"`
	Name         string    `json:"name"`
	NameBN       string    `json:"name_bn"`
	Code         string    `json:"code"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DistrictRef is the short district form embedded in DistrictThanas.
type DistrictRef struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	NameBN string    `json:"name_bn"`
	Code   string    `json:"code"`
}

// DistrictThanas lists the active thanas of one district.
type DistrictThanas struct {
	District DistrictRef `json:"district"`
	Thanas   []Thana     `json:"thanas"`
}

// Counts holds active and total row counts.
type Counts struct {
	Active int `json:"active"`
	Total  int `json:"total"`
}

// Summary reports location counts.
type Summary struct {
	Districts      Counts `json:"districts"`
	Thanas         Counts `json:"thanas"`
	TotalLocations int    `json:"total_locations"`
}

// DistrictFilters narrows district listings. A nil IsActive means active only.
type DistrictFilters struct {
	IsActive *bool
	Search   string
}

// ThanaFilters narrows thana listings.
type ThanaFilters struct {
	DistrictID *uuid.UUID
	IsActive   *bool
	Search     string
}

// DistrictSeed is one district with its thana names, as bundled in locations.json.
type DistrictSeed struct {
	Name   string   `json:"name"`
	NameBN string   `json:"name_bn,omitempty"`
	Code   string   `json:"code"`
	Thanas []string `json:"thanas"`
}

// ImportResult counts rows created by Import.
type ImportResult struct {
	Districts int `json:"districts"`
	Thanas    int `json:"thanas"`
}

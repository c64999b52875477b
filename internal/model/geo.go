package model

// GeocodeQuery is a sanitized geocoding input. City is empty when not given.
type GeocodeQuery struct {
	Address string
	City    string
}

// Coordinates is a geocoding result. Both fields are nil when the provider
// found no match; that is a successful outcome, not an error.
type Coordinates struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

// Found reports whether the coordinates hold a match.
func (c Coordinates) Found() bool {
	return c.Lat != nil && c.Lng != nil
}

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Email  string
}

// Marker is a member shown on the public map.
type Marker struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	City string  `json:"city"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

// MarkerProfile is the subset of a profile row needed to build a Marker.
type MarkerProfile struct {
	ID          string
	Username    string
	DisplayName string
	Nickname    string
	Country     string
	Province    string
	City        string
	Lat         float64
	Lng         float64
}

// ProfileDetail is the member information revealed to signed-in users.
type ProfileDetail struct {
	Gender        *string `json:"gender"`
	Age           *int64  `json:"age"`
	Bio           *string `json:"bio"`
	WeChat        *string `json:"wechat"`
	ParentContact bool    `json:"parentContact"`
}

package model

import "time"

// Coordinates is a WGS84 position.
type Coordinates struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// Bounds is a north-east / south-west bounding box.
type Bounds struct {
	NE Coordinates `json:"ne" yaml:"ne"`
	SW Coordinates `json:"sw" yaml:"sw"`
}

// Contains reports whether c lies inside the box, edges included.
func (b Bounds) Contains(c Coordinates) bool {
	if c.Latitude < b.SW.Latitude || c.Latitude > b.NE.Latitude {
		return false
	}
	if c.Longitude < b.SW.Longitude || c.Longitude > b.NE.Longitude {
		return false
	}
	return true
}

// RawReading is a single ranging observation as delivered by a scanning source.
// Every field is optional; a nil Distance means the source could not estimate it.
type RawReading struct {
	UUID     *string  `json:"uuid,omitempty"`
	Major    *int     `json:"major,omitempty"`
	Minor    *int     `json:"minor,omitempty"`
	Distance *float64 `json:"distance,omitempty"`
}

// BeaconReading is a RawReading stamped with the time its batch was captured.
type BeaconReading struct {
	RawReading
	Timestamp time.Time `json:"timestamp"`
}

// PlaceKind distinguishes points of interest from path crossings.
type PlaceKind string

const (
	KindPOI   PlaceKind = "poi"
	KindCross PlaceKind = "cross"
)

// BeaconDescriptor identifies the beacon installed at a place.
type BeaconDescriptor struct {
	UUID            string  `json:"uuid" yaml:"uuid"`
	Major           *int    `json:"major,omitempty" yaml:"major,omitempty"`
	Minor           *int    `json:"minor,omitempty" yaml:"minor,omitempty"`
	TriggerDistance float64 `json:"trigger_distance" yaml:"trigger_distance"`
}

// POI is a static catalog entry.
type POI struct {
	ID          string           `json:"id" yaml:"id"`
	Title       string           `json:"title" yaml:"title"`
	Kind        PlaceKind        `json:"kind" yaml:"kind"`
	Coordinates Coordinates      `json:"coordinates" yaml:"coordinates"`
	Beacon      BeaconDescriptor `json:"beacon" yaml:"beacon"`
	Icon        string           `json:"icon,omitempty" yaml:"icon,omitempty"`
	Media       []string         `json:"media,omitempty" yaml:"media,omitempty"`
	VideoURL    string           `json:"video_url,omitempty" yaml:"video_url,omitempty"`
}

// ClosestPlace is the most recent place a device was determined to be within range of.
type ClosestPlace struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// Region restricts a scan to beacons matching the populated identifiers.
type Region struct {
	ID    string `json:"id"`
	UUID  string `json:"uuid,omitempty"`
	Major *int   `json:"major,omitempty"`
	Minor *int   `json:"minor,omitempty"`
}

// Arrival records a detection of a device inside a place's trigger distance.
type Arrival struct {
	DeviceID   string    `json:"device_id"`
	PlaceID    string    `json:"place_id"`
	Distance   float64   `json:"distance"`
	DetectedAt time.Time `json:"detected_at"`
	Notified   bool      `json:"notified"`
}

// NotificationRecord is the persisted outcome of a notification attempt.
type NotificationRecord struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	PlaceID    string    `json:"place_id"`
	Identifier string    `json:"identifier"`
	Sink       string    `json:"sink"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// IngestionError captures a payload that failed validation.
type IngestionError struct {
	DeviceID string `json:"device_id"`
	Topic    string `json:"topic"`
	Payload  string `json:"payload"`
	Error    string `json:"error"`
}

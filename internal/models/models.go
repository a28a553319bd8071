package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies within WGS84 bounds.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Place struct {
	Coord
	Address string `json:"address,omitempty"`
}

type RideType string

const (
	RideTypeBike RideType = "bike"
	RideTypeAuto RideType = "auto"
	RideTypeCar  RideType = "car"
	RideTypeXL   RideType = "xl"
)

type VehicleClass string

const (
	VehicleTwoWheeler   VehicleClass = "two_wheeler"
	VehicleThreeWheeler VehicleClass = "three_wheeler"
	VehicleFourWheeler  VehicleClass = "four_wheeler"
)

// Vehicle returns the vehicle class serving the ride type, or "" for unknown types.
func (rt RideType) Vehicle() VehicleClass {
	switch rt {
	case RideTypeBike:
		return VehicleTwoWheeler
	case RideTypeAuto:
		return VehicleThreeWheeler
	case RideTypeCar, RideTypeXL:
		return VehicleFourWheeler
	default:
		return ""
	}
}

func (rt RideType) Valid() bool { return rt.Vehicle() != "" }

type DriverStatus string

const (
	DriverAvailable    DriverStatus = "available"
	DriverOfferPending DriverStatus = "offer_pending"
	DriverOnRide       DriverStatus = "on_ride"
	DriverOffline      DriverStatus = "offline"
)

type Driver struct {
	ID        string       `json:"id"`
	Loc       Coord        `json:"loc"`
	Rating    float64      `json:"rating"` // 0..5
	Status    DriverStatus `json:"status"`
	RideTypes []RideType   `json:"ride_types"`
	Updated   time.Time    `json:"updated"`
}

// Supports reports whether the driver can serve rt.
func (d Driver) Supports(rt RideType) bool {
	for _, t := range d.RideTypes {
		if t == rt {
			return true
		}
	}
	return false
}

type RequestStatus string

const (
	RequestSearching      RequestStatus = "searching"
	RequestDriverAssigned RequestStatus = "driver_assigned"
	RequestAccepted       RequestStatus = "accepted"
	RequestExpired        RequestStatus = "expired"
	RequestCancelled      RequestStatus = "cancelled"
)

func (s RequestStatus) Terminal() bool {
	return s == RequestAccepted || s == RequestExpired || s == RequestCancelled
}

type Fare struct {
	Base     float64 `json:"base"`
	Distance float64 `json:"distance"`
	Time     float64 `json:"time"`
	Total    float64 `json:"total"`
	Currency string  `json:"currency"`
}

type RideRequest struct {
	ID              string        `json:"id"`
	RiderID         string        `json:"rider_id"`
	Pickup          Place         `json:"pickup"`
	Destination     Place         `json:"destination"`
	RideType        RideType      `json:"ride_type"`
	EstimatedFare   Fare          `json:"estimated_fare"`
	DistanceMeters  float64       `json:"distance_meters"`
	DurationSeconds float64       `json:"duration_seconds"`
	Polyline        string        `json:"polyline,omitempty"`
	RouteDegraded   bool          `json:"route_degraded"`
	Status          RequestStatus `json:"status"`
	Candidates      []string      `json:"candidates"`
	CurrentIndex    int           `json:"current_index"`
	AttemptCount    int           `json:"attempt_count"`
	MaxAttempts     int           `json:"max_attempts"`
	DriverID        string        `json:"driver_id,omitempty"`
	RideID          string        `json:"ride_id,omitempty"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferDeclined  OfferStatus = "declined"
	OfferExpired   OfferStatus = "expired"
	OfferWithdrawn OfferStatus = "withdrawn"
)

type Offer struct {
	RequestID  string      `json:"request_id"`
	DriverID   string      `json:"driver_id"`
	Seq        int         `json:"seq"`
	SentAt     time.Time   `json:"sent_at"`
	Deadline   time.Time   `json:"deadline"`
	Status     OfferStatus `json:"status"`
	ResolvedAt time.Time   `json:"resolved_at,omitempty"`
}

type RidePhase string

const (
	PhaseAwaitingOTP RidePhase = "awaiting_otp"
	PhaseInProgress  RidePhase = "in_progress"
	PhaseCompleted   RidePhase = "completed"
	PhaseCancelled   RidePhase = "cancelled"
)

type Ride struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	RiderID     string    `json:"rider_id"`
	DriverID    string    `json:"driver_id"`
	Pickup      Place     `json:"pickup"`
	Destination Place     `json:"destination"`
	RideType    RideType  `json:"ride_type"`
	OTPCode     string    `json:"-"`
	Phase       RidePhase `json:"phase"`
	Fare        Fare      `json:"fare"`
	CancelledBy string    `json:"cancelled_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	CancelledAt time.Time `json:"cancelled_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type CadenceProfile string

const (
	ProfileIdle       CadenceProfile = "idle"
	ProfileAvailable  CadenceProfile = "available"
	ProfileActiveRide CadenceProfile = "active_ride"
)

// Cadence is the reporting contract handed to the driver's location reporter.
type Cadence struct {
	Profile              CadenceProfile `json:"profile"`
	Interval             time.Duration  `json:"interval"`
	AccuracyMeters       float64        `json:"accuracy_meters"`
	DistanceFilterMeters float64        `json:"distance_filter_meters"`
}

type TrackingSession struct {
	DriverID     string         `json:"driver_id"`
	RideID       string         `json:"ride_id,omitempty"`
	Profile      CadenceProfile `json:"profile"`
	Phase        string         `json:"phase"`
	Cadence      Cadence        `json:"cadence"`
	LastReportAt time.Time      `json:"last_report_at,omitempty"`
}

type LocationSample struct {
	DriverID       string    `json:"driver_id"`
	RideID         string    `json:"ride_id,omitempty"`
	Loc            Coord     `json:"loc"`
	AccuracyMeters float64   `json:"accuracy_meters,omitempty"`
	SpeedMps       float64   `json:"speed_mps,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

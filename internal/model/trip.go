package model

import "time"

// Trip is one raw taxi trip record. Coordinates that failed to parse are NaN.
type Trip struct {
	PickupAt  time.Time `json:"pickup_at"`
	DropoffAt time.Time `json:"dropoff_at"`
	PickupLat float64   `json:"pickup_lat"`
	PickupLon float64   `json:"pickup_lon"`
}

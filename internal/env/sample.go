package env

import "time"

// Sample is the environmental part of a record, published on its own topics
// with the same header as the IMU record it was taken from.
type Sample struct {
	FrameID string    `json:"frame_id"`
	Stamp   time.Time `json:"stamp"`

	Temperature *float64 `json:"temp_c,omitempty"`      // °C
	Pressure    *float64 `json:"pressure_pa,omitempty"` // Pa
}

// FromKilopascal converts the device's kPa reading to Pa.
func FromKilopascal(kpa float64) float64 {
	return kpa * 1000
}

// Package model defines the data shared by every component in the
// durable-delivery pipeline: the immutable Sample a sensor produces and the
// PendingRecord a Journal persists, plus their CSV line encoding.
package model

// Measurement names the physical quantity a Sample carries.
type Measurement string

const (
	MeasurementFlow        Measurement = "caudal"
	MeasurementTemperature Measurement = "temperatura"
	MeasurementVoltage     Measurement = "voltaje"
)

// Source says whether a Sample was delivered live or replayed from the
// journal.
type Source string

const (
	SourceWifi   Source = "wifi"
	SourceBackup Source = "backup"
)

// Sample is an immutable measurement. TSUs is UNIX microseconds; zero means
// the timestamp is invalid and the sample must not be delivered live.
type Sample struct {
	TSUs        uint64
	Measurement Measurement
	Sensor      string
	Value       float32
	Source      Source
}

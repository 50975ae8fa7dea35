// Package message defines the platform messages the router carries.
//
// A PlatformMessage is one of three variants, told apart by Kind:
//
//   - Measurement: numeric datapoints from a sensor, with optional location
//   - TextMessage: a free-form text payload from a sensor
//   - ControlMessage: an actuator command travelling back towards a device
//
// Messages are built by the ingestion layer and are immutable afterwards;
// the router only reads them when handing them to a wire encoder.
package message

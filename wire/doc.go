// Package wire converts platform messages into the binary records that the
// router batches and publishes.
//
// Records use the protobuf wire format, written directly with protowire so
// no generated code is needed. Downstream consumers decode them with the
// schemas below or with the Decode helpers in this package.
//
//	Measurement     1:sensor_id 2:datapoint(repeated) 3:location 4:timestamp 5:platform_time
//	DataPoint       1:key 2:value 3:unit 4:precision 5:accuracy
//	TextMessage     1:sensor_id 2:data 3:location 4:timestamp 5:platform_time
//	ControlMessage  1:sensor_id 2:data 3:destination 4:timestamp 5:platform_time 6:secret
//	Location        1:latitude 2:longitude
//	BatchContainer  1:record(repeated bytes)
//
// Timestamps are sint64 unix milliseconds. A batch payload is the gzip-compressed
// BatchContainer.
package wire

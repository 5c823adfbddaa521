// Package influxdb writes robot telemetry to InfluxDB v2.
//
// Numeric attribute values from the broadcast channel are stored in the
// robot_attribute measurement, tagged by robot and attribute. Operations are
// not written; their run times are a Prometheus histogram instead.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.WriteAttributeMetric("arm-1", "speed_ratio", 0.75)
//
// Writes never block; the library batches them per batch_size and
// flush_interval.
package influxdb

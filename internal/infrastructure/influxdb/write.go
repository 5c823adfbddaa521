package influxdb

import (
	"math"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementAttribute holds attribute samples.
const MeasurementAttribute = "robot_attribute"

// WriteAttributeMetric records one numeric attribute sample, tagged by robot
// and attribute name. NaN and infinities have no line-protocol form and are
// skipped.
func (c *Client) WriteAttributeMetric(robot, attribute string, value float64) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	c.writePoint(MeasurementAttribute,
		map[string]string{"robot": robot, "attribute": attribute},
		map[string]any{"value": value},
		time.Now(),
	)
}

// writePoint queues a point stamped ts. Points are dropped silently once the
// client is closed.
func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}

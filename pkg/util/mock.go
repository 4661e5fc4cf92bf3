package util

import "github.com/influxdata/influxdb-client-go/api/write"

// MockWriteAPI is the default metrics sink when no InfluxDB client is
// configured. All writes are discarded.
type MockWriteAPI struct{}

func (m *MockWriteAPI) WriteRecord(line string) {}

func (m *MockWriteAPI) WritePoint(point *write.Point) {}

func (m *MockWriteAPI) Flush() {}

func (m *MockWriteAPI) Close() {}

// Errors returns a channel for reading errors which occur during async
// writes. Always nil for the mock.
func (m *MockWriteAPI) Errors() <-chan error { return nil }

package health

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// DataDirChecker verifies the snapshot data directory is writable.
type DataDirChecker struct {
	dataPath string
}

func NewDataDirChecker(dataPath string) *DataDirChecker {
	return &DataDirChecker{dataPath: dataPath}
}

func (c *DataDirChecker) Name() string { return "data_dir" }

func (c *DataDirChecker) Check(ctx context.Context) *ComponentHealth {
	ch := &ComponentHealth{Name: c.Name(), Status: StatusHealthy, LastChecked: time.Now()}

	if err := os.MkdirAll(c.dataPath, 0o755); err != nil {
		ch.Status = StatusUnhealthy
		ch.Message = "data directory is not creatable: " + err.Error()
		return ch
	}
	probe := filepath.Join(c.dataPath, ".health")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		ch.Status = StatusUnhealthy
		ch.Message = "data directory is not writable: " + err.Error()
		return ch
	}
	_ = os.Remove(probe)
	return ch
}

// TableCountChecker reports how many tables a service is holding. It never
// degrades; the count is informational.
type TableCountChecker struct {
	count func() int
}

func NewTableCountChecker(count func() int) *TableCountChecker {
	return &TableCountChecker{count: count}
}

func (c *TableCountChecker) Name() string { return "tables" }

func (c *TableCountChecker) Check(ctx context.Context) *ComponentHealth {
	return &ComponentHealth{
		Name:        c.Name(),
		Status:      StatusHealthy,
		Message:     "loaded tables: " + strconv.Itoa(c.count()),
		LastChecked: time.Now(),
	}
}

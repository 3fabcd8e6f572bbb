package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsIngest    int64
	errorsStore     int64
	warnsIngest     int64
	warnsStore      int64
	objectsLoaded   int64
	entriesIndexed  int64
	notifications   int64
	windowPublishes int64
	channels        sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "coordinator") || strings.Contains(component, "loader") {
		atomic.AddInt64(&warnsIngest, 1)
	} else if strings.Contains(component, "store") || strings.Contains(component, "query") {
		atomic.AddInt64(&warnsStore, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "coordinator") || strings.Contains(component, "loader") {
		atomic.AddInt64(&errorsIngest, 1)
	} else if strings.Contains(component, "store") || strings.Contains(component, "query") {
		atomic.AddInt64(&errorsStore, 1)
	}
}

func IncrementObjectLoaded(entries int) {
	atomic.AddInt64(&objectsLoaded, 1)
	atomic.AddInt64(&entriesIndexed, int64(entries))
	recordChannel("object_load", entries)
}

func IncrementNotification() {
	atomic.AddInt64(&notifications, 1)
	recordChannel("queue_notifications", 1)
}

func IncrementWindowPublish(size int) {
	atomic.AddInt64(&windowPublishes, 1)
	recordChannel("s3_window_publish", size)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_ingest":    atomic.LoadInt64(&errorsIngest),
		"errors_store":     atomic.LoadInt64(&errorsStore),
		"warns_ingest":     atomic.LoadInt64(&warnsIngest),
		"warns_store":      atomic.LoadInt64(&warnsStore),
		"objects_loaded":   atomic.LoadInt64(&objectsLoaded),
		"entries_indexed":  atomic.LoadInt64(&entriesIndexed),
		"notifications":    atomic.LoadInt64(&notifications),
		"window_publishes": atomic.LoadInt64(&windowPublishes),
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuPct,
		"memory_mb":        int64(memStats.Used) / 1024 / 1024,
		"disk_mb":          int64(diskStats.Used) / 1024 / 1024,
		"channels":         channelData,
		"net_bytes_sent":   int64(bytesSent),
		"net_bytes_recv":   int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsIngest"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_ingest"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsStore"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_store"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsIngest"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_ingest"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsStore"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_store"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ObjectsLoaded"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["objects_loaded"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("EntriesIndexed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["entries_indexed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Notifications"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["notifications"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WindowPublishes"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["window_publishes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}

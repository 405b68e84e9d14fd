package metrics

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/disk"
	"k8s.io/klog/v2"
)

// DeviceForDirectory returns the block device name (e.g. "sda1") holding
// dir, found through the longest mount point that is a prefix of it.
func DeviceForDirectory(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path for %s: %w", dir, err)
	}
	partitions, err := disk.Partitions(false)
	if err != nil {
		return "", fmt.Errorf("failed to get partitions: %w", err)
	}
	var best disk.PartitionStat
	for _, p := range partitions {
		if strings.HasPrefix(abs, p.Mountpoint) && len(p.Mountpoint) > len(best.Mountpoint) {
			best = p
		}
	}
	if best.Mountpoint == "" {
		return "", fmt.Errorf("no mount point found for directory %s", abs)
	}
	return filepath.Base(best.Device), nil
}

// DirCollector reports the on-disk footprint of an index directory and the
// I/O of the device it lives on.
type DirCollector struct {
	dir    string
	device string

	mu   sync.Mutex
	last ioSample

	filesDesc     *prometheus.Desc
	bytesDesc     *prometheus.Desc
	freeDesc      *prometheus.Desc
	writeRateDesc *prometheus.Desc
	readRateDesc  *prometheus.Desc
	errorDesc     *prometheus.Desc
}

type ioSample struct {
	readBytes  uint64
	writeBytes uint64
	at         time.Time
}

var _ prometheus.Collector = (*DirCollector)(nil)

// NewDirCollector builds a collector for dir. Device I/O is skipped when the
// device cannot be resolved.
func NewDirCollector(dir string) *DirCollector {
	device, err := DeviceForDirectory(dir)
	if err != nil {
		klog.V(2).Infof("index dir %s: no device I/O metrics: %v", dir, err)
	}
	labels := prometheus.Labels{"dir": dir}
	return &DirCollector{
		dir:           dir,
		device:        device,
		filesDesc:     prometheus.NewDesc("index_dir_files", "Files in the index directory.", nil, labels),
		bytesDesc:     prometheus.NewDesc("index_dir_bytes", "Bytes used by the files in the index directory.", nil, labels),
		freeDesc:      prometheus.NewDesc("index_dir_free_bytes", "Free bytes on the file system holding the index directory.", nil, labels),
		writeRateDesc: prometheus.NewDesc("index_device_write_rate_bytes_per_second", "Write rate of the device holding the index directory.", []string{"device"}, labels),
		readRateDesc:  prometheus.NewDesc("index_device_read_rate_bytes_per_second", "Read rate of the device holding the index directory.", []string{"device"}, labels),
		errorDesc:     prometheus.NewDesc("index_dir_collector_error", "Error while collecting index directory stats.", nil, labels),
	}
}

func (c *DirCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.filesDesc
	ch <- c.bytesDesc
	ch <- c.freeDesc
	ch <- c.writeRateDesc
	ch <- c.readRateDesc
	ch <- c.errorDesc
}

func (c *DirCollector) Collect(ch chan<- prometheus.Metric) {
	files, size, err := DirSize(c.dir)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.errorDesc, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.filesDesc, prometheus.GaugeValue, float64(files))
	ch <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.GaugeValue, float64(size))

	usage, err := disk.Usage(c.dir)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.errorDesc, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.freeDesc, prometheus.GaugeValue, float64(usage.Free))

	if c.device == "" {
		return
	}
	counters, err := disk.IOCounters(c.device)
	if err != nil {
		klog.V(3).Infof("index dir %s: failed to read I/O counters of %s: %v", c.dir, c.device, err)
		return
	}
	stat, ok := counters[c.device]
	if !ok {
		return
	}
	now := time.Now()

	c.mu.Lock()
	prev := c.last
	c.last = ioSample{readBytes: stat.ReadBytes, writeBytes: stat.WriteBytes, at: now}
	c.mu.Unlock()

	elapsed := now.Sub(prev.at).Seconds()
	if prev.at.IsZero() || elapsed <= 0 || stat.ReadBytes < prev.readBytes || stat.WriteBytes < prev.writeBytes {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.readRateDesc, prometheus.GaugeValue, float64(stat.ReadBytes-prev.readBytes)/elapsed, c.device)
	ch <- prometheus.MustNewConstMetric(c.writeRateDesc, prometheus.GaugeValue, float64(stat.WriteBytes-prev.writeBytes)/elapsed, c.device)
}

// DirSize walks dir and returns the number of regular files and their total size.
func DirSize(dir string) (files int, size int64, err error) {
	err = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files++
		size += info.Size()
		return nil
	})
	return files, size, err
}

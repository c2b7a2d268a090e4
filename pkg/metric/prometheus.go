// Copyright 2023 The kfutex Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metric

import (
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// ExporterPrefix is prepended to every exported metric name.
const ExporterPrefix = "kfutex_"

// PrometheusName converts a metric name such as "/futex/wake_calls" into a
// valid Prometheus metric name such as "kfutex_futex_wake_calls".
func PrometheusName(name string) string {
	name = strings.TrimPrefix(name, "/")
	return ExporterPrefix + strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name)
}

func stringPtr(s string) *string     { return &s }
func float64Ptr(f float64) *float64 { return &f }
func uint64Ptr(u uint64) *uint64    { return &u }

func labelPairs(fields []Field, values []string) []*dto.LabelPair {
	if len(fields) == 0 {
		return nil
	}
	labels := make([]*dto.LabelPair, len(fields))
	for i, f := range fields {
		labels[i] = &dto.LabelPair{
			Name:  stringPtr(f.name),
			Value: stringPtr(values[i]),
		}
	}
	return labels
}

func (c customUint64Metric) family() *dto.MetricFamily {
	typ := dto.MetricType_GAUGE
	if c.metadata.cumulative {
		typ = dto.MetricType_COUNTER
	}
	mf := &dto.MetricFamily{
		Name: stringPtr(PrometheusName(c.metadata.name)),
		Help: stringPtr(c.metadata.description),
		Type: typ.Enum(),
	}
	forEachFieldCombination(c.metadata.fields, func(values []string) {
		v := float64(c.value(values...))
		m := &dto.Metric{Label: labelPairs(c.metadata.fields, values)}
		if c.metadata.cumulative {
			m.Counter = &dto.Counter{Value: float64Ptr(v)}
		} else {
			m.Gauge = &dto.Gauge{Value: float64Ptr(v)}
		}
		mf.Metric = append(mf.Metric, m)
	})
	return mf
}

func (d *DistributionMetric) family() *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: stringPtr(PrometheusName(d.metadata.name)),
		Help: stringPtr(d.metadata.description),
		Type: dto.MetricType_HISTOGRAM.Enum(),
	}
	numFinite := d.bucketer.NumFiniteBuckets()
	key := 0
	forEachFieldCombination(d.metadata.fields, func(values []string) {
		samples := d.samples[key]
		h := &dto.Histogram{SampleSum: float64Ptr(float64(d.sums[key].Load()))}
		// Samples below the first bucket count towards every bucket.
		cumulative := samples[0].Load()
		for i := 0; i < numFinite; i++ {
			cumulative += samples[i+1].Load()
			h.Bucket = append(h.Bucket, &dto.Bucket{
				CumulativeCount: uint64Ptr(cumulative),
				UpperBound:      float64Ptr(float64(d.bucketer.LowerBound(i + 1))),
			})
		}
		cumulative += samples[numFinite+1].Load()
		h.SampleCount = uint64Ptr(cumulative)
		mf.Metric = append(mf.Metric, &dto.Metric{
			Label:     labelPairs(d.metadata.fields, values),
			Histogram: h,
		})
		key++
	})
	return mf
}

// Families returns a snapshot of every registered metric, sorted by name.
func Families() []*dto.MetricFamily {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	var families []*dto.MetricFamily
	for _, name := range allMetrics.names() {
		if c, ok := allMetrics.uint64Metrics[name]; ok {
			families = append(families, c.family())
			continue
		}
		families = append(families, allMetrics.distributionMetrics[name].family())
	}
	return families
}

// WriteText writes a snapshot of every registered metric to w in the
// Prometheus text exposition format.
func WriteText(w io.Writer) (int, error) {
	written := 0
	for _, mf := range Families() {
		n, err := expfmt.MetricFamilyToText(w, mf)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

package matcher

import (
	"fmt"
	"testing"
)

var benchTopics = []string{
	"esp32/temperature",
	"esp32/humidity",
	"esp32/kitchen/temperature",
	"esp8266/garage/door",
	"home/livingroom/lamp/state",
	"$SYS/broker/clients/connected",
}

func BenchmarkMatch(b *testing.B) {
	for _, filter := range []string{"esp32/temperature", "esp32/+", "esp32/#", "+/+/temperature", "#"} {
		m, err := New(filter)
		if err != nil {
			b.Fatal(err)
		}
		b.Run(filter, func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				for _, topic := range benchTopics {
					_ = m.Match(topic)
				}
			}
		})
	}
}

func BenchmarkMultiMatcher(b *testing.B) {
	for _, n := range []int{1, 4, 16} {
		filters := make([]string, n)
		for i := range filters {
			filters[i] = fmt.Sprintf("sensor%d/+", i)
		}
		mm, err := NewMultiMatcher(filters...)
		if err != nil {
			b.Fatal(err)
		}
		b.Run(fmt.Sprintf("filters=%d", n), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = mm.Match("sensor3/temperature")
			}
		})
	}
}

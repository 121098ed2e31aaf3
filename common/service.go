// common/service.go
package common

import (
	"sync"

	"github.com/YaganovValera/candle-feeder/common/backoff"
	consumer "github.com/YaganovValera/candle-feeder/common/kafka/consumer"
	producer "github.com/YaganovValera/candle-feeder/common/kafka/producer"
)

var (
	nameOnce    sync.Once
	serviceName = "unknown"
)

// InitServiceName проставляет лейбл service в метриках backoff и Kafka.
// Повторные вызовы игнорируются: метрики уже могли уйти с первым именем.
func InitServiceName(name string) {
	nameOnce.Do(func() {
		serviceName = name
		for _, set := range []func(string){
			backoff.SetServiceLabel,
			producer.SetServiceLabel,
			consumer.SetServiceLabel,
		} {
			set(name)
		}
	})
}

// ServiceName returns the name given to InitServiceName.
func ServiceName() string { return serviceName }

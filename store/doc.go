// Package store 提供 core.Store / core.KeyValueStore 的实现：
// 内存（MemoryStore）、Redis（RedisStore）、BadgerDB（BadgerStore），
// 以及为任意实现加熔断的 BreakerStore。接口定义在 core 包。
//
//	var kv core.KeyValueStore = store.NewBreakerStore(store.NewMemoryStore(), breaker.Config{})
package store

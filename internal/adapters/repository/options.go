package repository

import "time"

// Option applies a configuration option to a store.
type Option func(*options)

type options struct {
	timeout   time.Duration
	database  string
	seedTasks map[string]int64
}

func defaultOptions() options {
	return options{
		timeout:  5 * time.Second,
		database: "coinledger",
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithTimeout bounds how long opening a store may block.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithDatabase sets the Mongo database name.
func WithDatabase(name string) Option {
	return func(o *options) {
		if name != "" {
			o.database = name
		}
	}
}

// WithTasks seeds the catalog with the given task points.
// Stores that already hold a task keep their value.
func WithTasks(tasks map[string]int64) Option {
	return func(o *options) {
		o.seedTasks = tasks
	}
}

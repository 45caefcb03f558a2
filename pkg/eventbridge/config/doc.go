/*
Package config holds the typed configuration of the eventbridge binary.

# Loading

Load layers, from lowest to highest precedence, the values of Default, a
YAML file and EVENTBRIDGE_* environment variables:

	cfg, err := config.Load("eventbridge.yaml")
	if err != nil {
	    return err
	}
	if err := cfg.Validate(); err != nil {
	    return err
	}

Nested keys map to variables by upper-casing and replacing dots with
underscores: source.kafka.brokers becomes EVENTBRIDGE_SOURCE_KAFKA_BROKERS.

FromFile and FromYAML parse a document on top of Default without consulting
the environment, which is convenient in tests:

	cfg, err := config.FromYAML([]byte(`
	source:
	  kind: redis
	  redis:
	    url: redis://localhost:6379/0
	`))

# Example File

	event_name: workOrderSubmitted
	payload_path: [args, workOrderRequest]
	shutdown_timeout: 30s
	source:
	  kind: sqllog
	  sqllog:
	    driver: sqlite
	    dsn: eventbridge.db
	    poll_interval: 500ms
	handler:
	  kind: webhook
	  webhook:
	    url: https://orders.internal/submit
	    timeout: 10s
	    max_attempts: 3
	dead_letter:
	  enabled: true
	  path: deadletters.db
	logging:
	  level: info
	  format: json
	metrics:
	  enabled: true
	  address: ":9090"
	  exporter: prometheus
*/
package config

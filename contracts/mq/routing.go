package mq

// Routing keys on the events exchange.
const (
	RoutingKeyEmailAnonymized = "email.anonymized"
	RoutingKeyEmailClassified = "email.classified"
	RoutingKeyIndexUpsert     = "index.upsert"
)

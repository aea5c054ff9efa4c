// Package infra contains technical adapters: the websocket and MQTT
// transports, the order ledger client, journal stores, metrics exporters
// and the optional AMQP and Redis side channels. These packages depend
// only on the interfaces defined in the core packages.
package infra

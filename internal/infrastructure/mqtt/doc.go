// Package mqtt provides MQTT client connectivity for Shelly Core.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//
// It is used only by the state mirror, which publishes normalised device
// state and accepts capability commands. See Topics for the topic tree.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	topics := client.Topics()
//	client.PublishJSON(topics.DeviceState(id, "switch:0"), state, true)
package mqtt

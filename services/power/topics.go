// services/power/topics.go
package power

import "powercode-go/bus"

// Topic layout:
//
//	config/power                          retained service config
//	power/state                           retained service-level state
//	power/rail/<name>/info                retained, owner + electrical info
//	power/rail/<name>/state               retained, lifecycle state
//	power/rail/<name>/control/<verb>      request | release | cancel | reset | status

func configTopic() bus.Topic {
	return bus.Topic{"config", "power"}
}

func serviceStateTopic() bus.Topic {
	return bus.Topic{"power", "state"}
}

func controlPattern() bus.Topic {
	return bus.Topic{"power", "rail", "+", "control", "+"}
}

func railTopic(name string, rest ...bus.Token) bus.Topic {
	base := bus.Topic{"power", "rail", name}
	return append(base, rest...)
}

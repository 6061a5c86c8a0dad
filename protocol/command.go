package protocol

import "fmt"

// Command is the code carried by every frame, selecting the handler on the receiving side.
type Command uint64

// Commands served by a host.
const (
	Invoke             Command = 1
	GenerateInvokeCode Command = 2
	Commit             Command = 3
	Rollback           Command = 4
	GetAllLockedKeys   Command = 5
	UnlockKeyAnyway    Command = 6
	HealthCheck        Command = 7
)

// Commands a host sends to a gateway.
const (
	RegisterHost   Command = 100
	UpdateServices Command = 101
	Heartbeat      Command = 102
)

// Reply marks a response frame.
const Reply Command = 255

var commandNames = map[Command]string{
	Invoke:             "invoke",
	GenerateInvokeCode: "generate_invoke_code",
	Commit:             "commit",
	Rollback:           "rollback",
	GetAllLockedKeys:   "get_all_locked_keys",
	UnlockKeyAnyway:    "unlock_key_anyway",
	HealthCheck:        "health_check",
	RegisterHost:       "register_host",
	UpdateServices:     "update_services",
	Heartbeat:          "heartbeat",
	Reply:              "reply",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", uint64(c))
}

package interlock

// Command channels. Operator commands arrive as publishes on
// "command:"-prefixed keys; the quench event is raised on its own channel by
// the quench monitor.
const (
	CommandPrefix = "command:"

	ColdAtCmd         = "be-cold-at"
	ColdNowCmd        = "get-cold"
	AbortCmd          = "abort-cooldown"
	CancelCooldownCmd = "cancel-scheduled-cooldown"
	QuenchEvent       = "event:quenching"
)

// Magnet cycle settings. Operator-editable; validated at the command boundary
// and stored verbatim on acceptance.
const (
	SoakTimeKey       = "device-settings:magnet:soak-time"
	SoakCurrentKey    = "device-settings:magnet:soak-current"
	RampRateKey       = "device-settings:magnet:ramp-rate"
	DerampRateKey     = "device-settings:magnet:deramp-rate"
	RegulationTempKey = "device-settings:magnet:regulating-temp"

	// Engineering flag, deliberately not commandable: it must be changed
	// directly in the store. A misconfigured upper limit can lock the
	// controller out of regulation.
	RegulationUpperLimitKey = "device-settings:magnet:enable-temperature-regulation-upper-limit"

	CooldownScheduledKey  = "device-settings:magnet:cooldown-scheduled"
	ScheduledTimestampKey = "device-settings:magnet:cooldown-scheduled:timestamp"
)

// SettingKeys lists every cycle setting accepted through the command channel.
var SettingKeys = []string{
	SoakTimeKey,
	SoakCurrentKey,
	RampRateKey,
	DerampRateKey,
	RegulationTempKey,
}

// Controller status keys. StoreHealthKey carries the daemon's own view of the
// store connection as JSON; it is necessarily stale while the store is down.
const (
	MagnetStateKey   = "status:magnet:state"
	MagnetStatusKey  = "status:magnet:status"
	MagnetCurrentKey = "status:magnet:current"
	MagnetFieldKey   = "status:magnet:field"
	StoreHealthKey   = "status:magnetd:store"
)

// Heat switch driver keys. The motor monitor owns the position key; the
// controller only commands moves and observes position.
const (
	HeatswitchPositionKey = "status:device:heatswitch:position" // opened | opening | closed | closing
	HeatswitchStatusKey   = "status:device:heatswitch:status"   // OK | Error: ...
	HeatswitchMoveKey     = "device-settings:heatswitch:position"
)

// Current source driver keys.
const (
	SourceModeKey           = "device-settings:csource:control-mode" // manual | summing
	SourceDesiredCurrentKey = "device-settings:csource:desired-current"
	SourceRampRateKey       = "device-settings:csource:ramp-rate"
	SourceStatusKey         = "status:device:csource:status"
	SourceOutputVoltageKey  = "status:device:csource:output-voltage"
)

// Temperature bridge driver keys.
const (
	BridgeOutputModeKey = "device-settings:bridge:output-mode" // closed-loop | off
	BridgeSetpointKey   = "device-settings:bridge:setpoint"
	BridgeStatusKey     = "status:device:bridge:status"
	DeviceTempKey       = "status:temps:device-stage:temp"
)

// Heat switch position values.
const (
	PositionOpened  = "opened"
	PositionOpening = "opening"
	PositionClosed  = "closed"
	PositionClosing = "closing"
)

// Current source control modes.
const (
	ModeManual  = "manual"
	ModeSumming = "summing"
)

// Temperature bridge output modes.
const (
	OutputClosedLoop = "closed-loop"
	OutputOff        = "off"
)

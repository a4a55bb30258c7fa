package codec

// Parameter groups used by the built-in tables.
const (
	PGNTSC1        uint32 = 0     // torque/speed control 1 (PDU1)
	PGNEEC1        uint32 = 61444 // 0xF004 electronic engine controller 1
	PGNDM1         uint32 = 65226 // 0xFECA active diagnostic trouble codes
	PGNRearPTO     uint32 = 65091 // 0xFE43
	PGNRearHitch   uint32 = 65093 // 0xFE45 rear hitch status
	PGNHitchCmd    uint32 = 65094 // 0xFE46 rear hitch command
	PGNVehFluids   uint32 = 65128 // 0xFE68
	PGNEngineHours uint32 = 65253 // 0xFEE5
	PGNET1         uint32 = 65262 // 0xFEEE engine temperature 1
	PGNEFLP1       uint32 = 65263 // 0xFEEF engine fluid level/pressure 1
	PGNCCVS        uint32 = 65265 // 0xFEF1 cruise control/vehicle speed
	PGNDash        uint32 = 65276 // 0xFEFC dash display
)

// OBD-II CAN identifiers (11-bit).
const (
	OBDRequestID      uint32 = 0x7DF
	OBDResponseBaseID uint32 = 0x7E8
	OBDResponseLastID uint32 = 0x7EF
)

// SPN places one suspect parameter inside a parameter group payload.
// Bits are counted little-endian from StartByte*8+StartBit.
type SPN struct {
	SPN        uint32            `yaml:"spn"`
	Name       string            `yaml:"name"`
	PGN        uint32            `yaml:"pgn"`
	StartByte  int               `yaml:"start_byte"`
	StartBit   int               `yaml:"start_bit"`
	BitLength  int               `yaml:"bit_length"`
	Resolution float64           `yaml:"resolution"`
	Offset     float64           `yaml:"offset"`
	Unit       string            `yaml:"unit"`
	States     map[uint32]string `yaml:"states,omitempty"`
}

func (s SPN) bitOffset() int { return s.StartByte*8 + s.StartBit }

// bytesNeeded is the payload length required to hold the field.
func (s SPN) bytesNeeded() int { return (s.bitOffset() + s.BitLength + 7) / 8 }

// FixedField is a constant bit field written into every frame of a command.
type FixedField struct {
	StartByte int    `yaml:"start_byte"`
	StartBit  int    `yaml:"start_bit"`
	BitLength int    `yaml:"bit_length"`
	Raw       uint32 `yaml:"raw"`
}

// CommandDef maps a command name onto the PGN and field that carries it.
type CommandDef struct {
	Name        string       `yaml:"name"`
	PGN         uint32       `yaml:"pgn"`
	Priority    uint8        `yaml:"priority"`
	Destination uint8        `yaml:"destination"`
	Field       SPN          `yaml:"field"`
	Fixed       []FixedField `yaml:"fixed,omitempty"`
}

// PIDDef describes an OBD-II mode 01 parameter: value = bigEndian(A..)*Scale + Offset.
type PIDDef struct {
	PID    uint8   `yaml:"pid"`
	Name   string  `yaml:"name"`
	Bytes  int     `yaml:"bytes"`
	Scale  float64 `yaml:"scale"`
	Offset float64 `yaml:"offset"`
	Unit   string  `yaml:"unit"`
}

// Register is one value inside a register block (1 or 2 big-endian words).
type Register struct {
	Address uint16  `yaml:"address"`
	Name    string  `yaml:"name"`
	Words   int     `yaml:"words"`
	Signed  bool    `yaml:"signed"`
	Scale   float64 `yaml:"scale"`
	Offset  float64 `yaml:"offset"`
	Unit    string  `yaml:"unit"`
}

// ModbusBlock is a run of holding registers starting at StartAddress,
// published on a fixed CAN identifier.
type ModbusBlock struct {
	Name         string     `yaml:"name"`
	CANID        uint32     `yaml:"can_id"`
	Extended     bool       `yaml:"extended"`
	StartAddress uint16     `yaml:"start_address"`
	Registers    []Register `yaml:"registers"`
}

// Tables is the complete, immutable protocol description a Codec is built from.
type Tables struct {
	SPNs     []SPN         `yaml:"spns"`
	Commands []CommandDef  `yaml:"commands"`
	PIDs     []PIDDef      `yaml:"pids"`
	Modbus   []ModbusBlock `yaml:"modbus"`
}

var onOff = map[uint32]string{0: "off", 1: "on"}

// DefaultTables returns the built-in J1939-71 / SAE J1979 subset for
// agricultural tractors.
func DefaultTables() Tables {
	return Tables{
		SPNs: []SPN{
			{SPN: 899, Name: "engine_torque_mode", PGN: PGNEEC1, StartByte: 0, StartBit: 0, BitLength: 4, Resolution: 1, States: map[uint32]string{
				0: "low_idle", 1: "accelerator_pedal", 2: "cruise_control", 3: "pto_governor", 4: "road_speed_governor",
				5: "asr_control", 6: "transmission_control", 7: "abs_control", 8: "torque_limiting", 9: "high_speed_governor",
				10: "braking_system", 11: "remote_accelerator",
			}},
			{SPN: 512, Name: "driver_demand_torque", PGN: PGNEEC1, StartByte: 1, BitLength: 8, Resolution: 1, Offset: -125, Unit: "%"},
			{SPN: 513, Name: "actual_engine_torque", PGN: PGNEEC1, StartByte: 2, BitLength: 8, Resolution: 1, Offset: -125, Unit: "%"},
			{SPN: 190, Name: "engine_speed", PGN: PGNEEC1, StartByte: 3, BitLength: 16, Resolution: 0.125, Unit: "rpm"},

			{SPN: 110, Name: "coolant_temperature", PGN: PGNET1, StartByte: 0, BitLength: 8, Resolution: 1, Offset: -40, Unit: "degC"},
			{SPN: 174, Name: "fuel_temperature", PGN: PGNET1, StartByte: 1, BitLength: 8, Resolution: 1, Offset: -40, Unit: "degC"},
			{SPN: 175, Name: "engine_oil_temperature", PGN: PGNET1, StartByte: 2, BitLength: 16, Resolution: 0.03125, Offset: -273, Unit: "degC"},

			{SPN: 100, Name: "engine_oil_pressure", PGN: PGNEFLP1, StartByte: 3, BitLength: 8, Resolution: 4, Unit: "kPa"},
			{SPN: 96, Name: "fuel_level", PGN: PGNDash, StartByte: 1, BitLength: 8, Resolution: 0.4, Unit: "%"},

			{SPN: 70, Name: "parking_brake", PGN: PGNCCVS, StartByte: 0, StartBit: 2, BitLength: 2, Resolution: 1, States: onOff},
			{SPN: 84, Name: "vehicle_speed", PGN: PGNCCVS, StartByte: 1, BitLength: 16, Resolution: 1.0 / 256, Unit: "km/h"},

			{SPN: 1638, Name: "hydraulic_temperature", PGN: PGNVehFluids, StartByte: 0, BitLength: 8, Resolution: 1, Offset: -40, Unit: "degC"},
			{SPN: 1762, Name: "hydraulic_pressure", PGN: PGNVehFluids, StartByte: 2, BitLength: 16, Resolution: 2, Unit: "kPa"},

			{SPN: 1873, Name: "rear_hitch_position", PGN: PGNRearHitch, StartByte: 0, BitLength: 8, Resolution: 0.4, Unit: "%"},
			{SPN: 1877, Name: "rear_hitch_in_work", PGN: PGNRearHitch, StartByte: 1, StartBit: 6, BitLength: 2, Resolution: 1, States: map[uint32]string{0: "out_of_work", 1: "in_work"}},

			{SPN: 1883, Name: "rear_pto_speed", PGN: PGNRearPTO, StartByte: 0, BitLength: 16, Resolution: 0.125, Unit: "rpm"},
			{SPN: 247, Name: "engine_hours", PGN: PGNEngineHours, StartByte: 0, BitLength: 32, Resolution: 0.05, Unit: "h"},

			{SPN: 987, Name: "protect_lamp", PGN: PGNDM1, StartByte: 0, StartBit: 0, BitLength: 2, Resolution: 1, States: onOff},
			{SPN: 624, Name: "amber_warning_lamp", PGN: PGNDM1, StartByte: 0, StartBit: 2, BitLength: 2, Resolution: 1, States: onOff},
			{SPN: 623, Name: "red_stop_lamp", PGN: PGNDM1, StartByte: 0, StartBit: 4, BitLength: 2, Resolution: 1, States: onOff},
			{SPN: 1213, Name: "malfunction_lamp", PGN: PGNDM1, StartByte: 0, StartBit: 6, BitLength: 2, Resolution: 1, States: onOff},
		},
		Commands: []CommandDef{
			{
				Name: "engine_speed_request", PGN: PGNTSC1, Priority: 3, Destination: 0x00,
				Field: SPN{SPN: 898, PGN: PGNTSC1, StartByte: 1, BitLength: 16, Resolution: 0.125, Unit: "rpm"},
				Fixed: []FixedField{
					{StartByte: 0, StartBit: 0, BitLength: 2, Raw: 1}, // override mode: speed control
					{StartByte: 0, StartBit: 2, BitLength: 2, Raw: 0}, // transient optimized
					{StartByte: 0, StartBit: 4, BitLength: 2, Raw: 3}, // override priority: low
				},
			},
			{
				Name: "rear_hitch_position_request", PGN: PGNHitchCmd, Priority: 3, Destination: 0xFF,
				Field: SPN{SPN: 1880, PGN: PGNHitchCmd, StartByte: 0, BitLength: 8, Resolution: 0.4, Unit: "%"},
			},
		},
		PIDs: []PIDDef{
			{PID: 0x04, Name: "engine_load", Bytes: 1, Scale: 100.0 / 255, Unit: "%"},
			{PID: 0x05, Name: "obd_coolant_temperature", Bytes: 1, Scale: 1, Offset: -40, Unit: "degC"},
			{PID: 0x0C, Name: "engine_rpm", Bytes: 2, Scale: 0.25, Unit: "rpm"},
			{PID: 0x0D, Name: "obd_vehicle_speed", Bytes: 1, Scale: 1, Unit: "km/h"},
			{PID: 0x0F, Name: "intake_air_temperature", Bytes: 1, Scale: 1, Offset: -40, Unit: "degC"},
			{PID: 0x11, Name: "throttle_position", Bytes: 1, Scale: 100.0 / 255, Unit: "%"},
			{PID: 0x1F, Name: "run_time", Bytes: 2, Scale: 1, Unit: "s"},
			{PID: 0x2F, Name: "obd_fuel_level", Bytes: 1, Scale: 100.0 / 255, Unit: "%"},
			{PID: 0x5C, Name: "obd_oil_temperature", Bytes: 1, Scale: 1, Offset: -40, Unit: "degC"},
			{PID: 0x5E, Name: "fuel_rate", Bytes: 2, Scale: 0.05, Unit: "L/h"},
		},
		Modbus: []ModbusBlock{
			{
				Name: "implement", CANID: 0x181, StartAddress: 0x0000,
				Registers: []Register{
					{Address: 0x0000, Name: "implement_depth", Words: 1, Signed: true, Scale: 0.1, Unit: "cm"},
					{Address: 0x0001, Name: "seed_rate", Words: 1, Scale: 1, Unit: "seeds/m"},
					{Address: 0x0002, Name: "applied_area", Words: 2, Scale: 0.01, Unit: "ha"},
				},
			},
		},
	}
}

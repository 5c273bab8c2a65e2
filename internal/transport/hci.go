package transport

// HCI is the controller command/event facade. OUT OF SCOPE per the host
// stack boundary: HCI transport framing (H4/H5, USB/UART) itself lives
// below this interface; the core only issues commands and consumes
// events through it.
type HCI interface {
	Send(cmd []byte) error
	Subscribe(h EventHandler)
}

// EventHandler receives HCI events relevant to SMP: LE Meta subevents
// (public key complete, DHKey complete, LTK request) and general events
// (encryption change, encryption key refresh).
type EventHandler interface {
	OnLEMeta(subevent byte, params []byte)
	OnEvent(code byte, params []byte)
}

// LE Meta subevent codes consumed by the SMP engine.
const (
	SubeventLTKRequest        byte = 0x05
	SubeventPublicKeyComplete byte = 0x08
	SubeventDHKeyComplete     byte = 0x09
)

// HCI event codes consumed by the SMP engine.
const (
	EventEncryptionChange     byte = 0x08
	EventEncryptionKeyRefresh byte = 0x30
)

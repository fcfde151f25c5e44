// Package device defines the Bluetooth Low Energy (BLE) contract the desk
// controller is built on.
//
// The package provides:
//   - The event-driven Central contract: every request returns immediately and
//     its outcome is delivered later as an Event carrying the request Tag
//   - Peripheral identity and radio state types
//   - The error taxonomy shared by the bridge, the controller and the CLI
//   - UUID parsing helpers for the go-ble handle types
//
// Platform implementations live in sub-packages (see go-ble).
package device

// Package chat contains the normalized chat event model and the chat sources
// that produce it.
//
// It provides:
//   - Event: one chat or donation message, independent of the platform it
//     arrived on.
//   - Decode: the CHZZK envelope router. It turns the body of a chat (93101)
//     or donation (93102) frame into events, one per entry, in array order.
//   - StartTwitchSource: an optional Twitch IRC source for TWITCH_CHANNEL that
//     feeds the same Sink as the CHZZK gateway.
//
// Decode keeps no state; a malformed entry is skipped and reported while the
// rest of the envelope is still delivered.
package chat

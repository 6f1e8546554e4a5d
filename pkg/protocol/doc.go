// Package protocol implements the Umbra relay envelope protocol.
//
// The protocol has two layers:
//
// Transport frames are newline-independent JSON objects exchanged with the
// relay server, tagged by "type". The client sends register, send,
// fetch_offline and ping; the relay answers with registered, message, pong,
// ack, error and offline_messages. The relay never sees plaintext: the
// payload of a message frame is an opaque string.
//
// Envelopes are the application-level messages nested inside a message
// frame's payload. An envelope is a typed, versioned JSON object
// {kind, version, payload}. Unknown kinds and unknown versions of known
// kinds are ignored by receivers, never rejected, so older clients survive
// newer peers.
//
// Envelope kinds cover the friend handshake (friend_request,
// friend_response, friend_accept_ack), direct messaging (chat_message,
// typing_indicator, message_status), group chat (group_invite and its
// accept/decline, group_message, group_key_rotation, group_member_removed),
// call signaling (call_offer, call_answer, call_ice_candidate, call_end,
// call_state), presence (presence_online, presence_ack) and auxiliary
// events (community_event, dm_file_event, account_metadata).
package protocol

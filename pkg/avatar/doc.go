// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package avatar serves XMPP vCard avatars over HTTP. A request for
// /<prefix>/<jid> is answered with the image stored in that JID's vCard,
// fetched through the shared XMPP session. Responses carry validators and
// Cache-Control so a fronting reverse proxy can cache them; nothing is cached
// in process.
package avatar

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay copies bytes between a front-end channel and a backend
// connection.
//
// Each connection runs two pipelines, one per direction, each strictly
// alternating a read and a write:
//
//	front → back: read front, count, ensure backend, write backend
//	back → front: read backend, count, write front
//
// The backend does not exist when the connection is accepted. It is resolved
// and dialed exactly once, after the first successful front-end read, and the
// back-to-front pipeline starts only after the dial succeeds.
//
// End of stream or an error on either side closes both channels. Benign
// terminations (end of stream, a closed channel, a client rejecting the
// served certificate) are silent; any other failure is logged once with a
// summary of the connection.
package relay

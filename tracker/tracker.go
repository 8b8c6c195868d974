// Package tracker implements the tracker specialization of the overlay
// engine: the reduced meta-message set, the stdout event protocol, and
// the persistent-destroy-storage file format.
package tracker

import (
	"fmt"
	"io"
	"net"

	"github.com/dispersyd/overlay/candidate"
)

// RequiredMetaNames is the reduced meta-message set a tracker loads:
// candidate exchange, identity, authorize/revoke, missing-proof, and
// destroy-community only. A tracker never registers any
// community-specific payload meta.
func RequiredMetaNames() []string {
	return []string{
		"dispersy-introduction-request",
		"dispersy-introduction-response",
		"dispersy-puncture-request",
		"dispersy-puncture",
		"dispersy-identity",
		"dispersy-missing-identity",
		"dispersy-authorize",
		"dispersy-revoke",
		"dispersy-missing-proof",
		"dispersy-destroy-community",
	}
}

// AcceptableGlobalTimeRange is the tracker's accepted distance between an
// overlay's current global_time and an inbound message's global_time: the
// full 64-bit range, unlike a normal community which bounds this window.
func AcceptableGlobalTimeRange(currentGlobalTime uint64) uint64 {
	return ^uint64(0) - currentGlobalTime
}

// rejectNonBootstrapForUnloaded would refuse packets for unloaded
// communities unless they come from a bootstrap peer. The tracker
// currently auto-loads a community for every peer instead, so nothing
// calls this; enabling the stricter behavior is a matter of calling it
// from the dispatch path, not rewriting the pipeline.
func rejectNonBootstrapForUnloaded(c *candidate.Candidate, loaded bool) bool {
	return !loaded && (c == nil || !c.Bootstrap)
}

// Lines writes the tracker's stdout event protocol. One Lines
// value wraps the process's stdout writer so every event site shares one
// formatting surface instead of scattering fmt.Fprintf calls.
type Lines struct {
	Out io.Writer
}

// Bandwidth prints the periodic BANDWIDTH line (every 300s).
func (l Lines) Bandwidth(up, down uint64) {
	fmt.Fprintf(l.Out, "BANDWIDTH %d %d\n", up, down)
}

// Community prints the periodic COMMUNITY line: live then hard-killed
// overlay counts.
func (l Lines) Community(live, killed int) {
	fmt.Fprintf(l.Out, "COMMUNITY %d %d\n", live, killed)
}

// Candidate prints the periodic CANDIDATE line: total known candidates.
func (l Lines) Candidate(count int) {
	fmt.Fprintf(l.Out, "CANDIDATE %d\n", count)
}

// introEventArgs is the common (cid, mid, versions, host, port) tuple
// every per-packet event line shares.
type introEventArgs struct {
	CIDHex      string
	MIDHex      string
	DispersyVer byte
	OverlayVer  byte
	Addr        *net.UDPAddr
}

func (l Lines) introEvent(tag string, a introEventArgs) {
	host, port := "", 0
	if a.Addr != nil {
		host = a.Addr.IP.String()
		port = a.Addr.Port
	}
	fmt.Fprintf(l.Out, "%s %s %s %d %d %s %d\n", tag, a.CIDHex, a.MIDHex, a.DispersyVer, a.OverlayVer, host, port)
}

// ReqIn2 prints REQ_IN2 on each inbound introduction request to a live
// overlay.
func (l Lines) ReqIn2(cidHex, midHex string, dispersyVer, overlayVer byte, addr *net.UDPAddr) {
	l.introEvent("REQ_IN2", introEventArgs{cidHex, midHex, dispersyVer, overlayVer, addr})
}

// ResIn2 prints RES_IN2 on each inbound introduction response.
func (l Lines) ResIn2(cidHex, midHex string, dispersyVer, overlayVer byte, addr *net.UDPAddr) {
	l.introEvent("RES_IN2", introEventArgs{cidHex, midHex, dispersyVer, overlayVer, addr})
}

// DestroyIn prints DESTROY_IN on receipt of a dispersy-destroy-community.
func (l Lines) DestroyIn(cidHex, midHex string, dispersyVer, overlayVer byte, addr *net.UDPAddr) {
	l.introEvent("DESTROY_IN", introEventArgs{cidHex, midHex, dispersyVer, overlayVer, addr})
}

// DestroyOut prints DESTROY_OUT on an introduction request to an
// already-destroyed overlay (in place of REQ_IN2, never alongside it).
func (l Lines) DestroyOut(cidHex, midHex string, dispersyVer, overlayVer byte, addr *net.UDPAddr) {
	l.introEvent("DESTROY_OUT", introEventArgs{cidHex, midHex, dispersyVer, overlayVer, addr})
}

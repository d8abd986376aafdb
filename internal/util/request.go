package util

import (
	"fmt"
	"math/rand"
	"net"
	"net/http"
)

// GenerateRequestID builds a readable id for log correlation. Not unique in
// any cryptographic sense; the hex suffix keeps collisions rare enough for
// log grepping.
func GenerateRequestID() string {
	motions := []string{
		"whirling", "spinning", "twirling", "looping", "circling",
		"gliding", "drifting", "orbiting", "weaving", "swirling",
		"rolling", "turning", "veering", "winding", "coasting",
	}
	relays := []string{
		"carousel", "gyre", "rotor", "lazysusan", "turnstile",
		"windmill", "whirligig", "pinwheel", "turbine", "zoetrope",
		"maelstrom", "cyclone", "eddy", "vortex", "spindle",
	}

	relay := relays[rand.Intn(len(relays))]
	motion := motions[rand.Intn(len(motions))]
	suffix := fmt.Sprintf("%04x", rand.Intn(65536))

	return fmt.Sprintf("%s_%s_%s", relay, motion, suffix)
}

// ClientIP extracts the caller address for rate-limit identity and logs.
// Forwarding headers are deliberately ignored; the admin surface sits behind
// operators, not anonymous traffic, and a spoofable identity would let one
// caller burn another's quota.
func ClientIP(r *http.Request) string {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

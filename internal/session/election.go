package session

// ShouldInitiate decides which side of a pair opens the session: the peer
// with the lexicographically smaller ID dials, the other waits for the
// offer. Pure and symmetric — both sides agree without negotiation, and for
// any pair exactly one side returns true.
//
// When both peers discover each other simultaneously and both open, each
// side's offer resets the other's attempt and the pair livelocks. With this
// rule exactly one side dials; the same comparison also settles glare when
// an offer arrives while a local attempt is in flight.
func ShouldInitiate(selfID, peerID string) bool {
	return selfID < peerID
}

package crypto

// ZeroBytes overwrites the given slice with zeros. Used to wipe ephemeral
// private keys and derived secrets once they are no longer needed.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

package trigger

// secretsEqual compares the caller's token with the expected secret.
//
// Every byte of the expected secret is inspected regardless of where the
// first difference sits, so the running time depends only on the expected
// length. A length mismatch never matches. The second return value is the
// number of expected bytes inspected and exists for tests.
func secretsEqual(expected, got string) (bool, int) {
	var diff byte
	if len(expected) != len(got) {
		diff = 1
	}

	inspected := 0
	for i := 0; i < len(expected); i++ {
		var g byte
		if i < len(got) {
			g = got[i]
		}
		diff |= expected[i] ^ g
		inspected++
	}
	return diff == 0, inspected
}

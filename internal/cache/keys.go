package cache

// NonceKey returns the cache key used to track a bearer-token nonce within
// its replay window: a nonce already seen within the last 5 minutes is
// rejected.
func NonceKey(nonce string) string {
	return "portalauth:nonce:" + nonce
}

package server

// notAllowedWhileSubscribed is returned for any non-pub/sub command while
// a connection holds at least one active subscription.
const notAllowedWhileSubscribed = "ERR command not allowed when subscribing to channels"

const rateLimitExceeded = "ERR rate limit exceeded, slow down"

const atCapacity = "ERR server at connection capacity"

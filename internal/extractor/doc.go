// Package extractor turns one ACP message into zero or more file-access
// observations. ACP is treated as a loose, evolving JSON vocabulary:
// gjson probes for recognised shapes cheaply before any typed handling,
// and anything unrecognised yields no observations rather than an
// error. There is deliberately no full schema.
package extractor

/*
Package events provides the in-memory progress-event broker the
Uploader, Downloader and Publisher report through.

A Broker fans Events out to any number of Subscribers, each owning a
bounded buffer sized at construction. Publish is synchronous and
non-blocking: a full subscriber buffer drops the event (counted in the
broker's dropped-events metric) rather than stalling the publishing
worker, so a slow UI consumer never backs up segment posting or
retrieval. Close ends every subscriber's range loop.
*/
package events

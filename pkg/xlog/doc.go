/*
Package xlog provides structured logging for shardkeep using zerolog.

A single global Logger is initialized once via Init and then scoped with
WithComponent/WithFolderID/WithSessionID/WithShareID to attach context
fields without threading a logger through every call.

	xlog.Init(xlog.Config{Level: xlog.InfoLevel, JSONOutput: true})
	catalogLog := xlog.WithComponent("catalog")
	catalogLog.Info().Str("folder_id", id).Msg("folder created")
*/
package xlog

// Package pprof mounts the runtime profiler on the API router.
package pprof

import (
	hpprof "net/http/pprof"

	"github.com/gin-gonic/gin"
)

// Mount registers the profiler under g (usually "/debug/pprof"). The group's
// middleware (auth) applies to every handler. Profiles longer than the
// server's write timeout are cut off; pass a smaller ?seconds= value.
func Mount(g *gin.RouterGroup) {
	g.GET("/", gin.WrapF(hpprof.Index))
	g.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	g.GET("/profile", gin.WrapF(hpprof.Profile))
	g.POST("/symbol", gin.WrapF(hpprof.Symbol))
	g.GET("/symbol", gin.WrapF(hpprof.Symbol))
	g.GET("/trace", gin.WrapF(hpprof.Trace))
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		g.GET("/"+name, gin.WrapH(hpprof.Handler(name)))
	}
}


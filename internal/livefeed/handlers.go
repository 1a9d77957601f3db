package livefeed

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
)

// Register mounts the polling routes under r.
func (f *Feed) Register(r gin.IRouter) {
	live := r.Group("/live")
	{
		live.GET("/frame", f.serve(VideoFrame, "text/plain; charset=utf-8"))
		live.GET("/transcript", f.serve(Transcript, "text/plain; charset=utf-8"))
		live.GET("/raw", f.serve(RawPreview, "text/plain; charset=utf-8"))
		live.GET("/audio.raw", f.serve(AudioRaw, "application/octet-stream"))
		live.GET("/audio.wav", f.serve(AudioWAV, "audio/wav"))
		live.GET("/video.mp4", f.serve(VideoMP4, "video/mp4"))
	}
}

// serve returns 204 until the artifact has been written at least once.
func (f *Feed) serve(a Artifact, contentType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := f.Path(a)
		if _, err := os.Stat(path); err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		c.Header("Content-Type", contentType)
		c.Header("Cache-Control", "no-store")
		c.File(path)
	}
}

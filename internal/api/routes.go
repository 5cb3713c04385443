package api

import (
	"alcyxob/course-portal/internal/domain"
	"alcyxob/course-portal/internal/service"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authService service.AuthService,
	uploadService service.UploadService,
	logger *slog.Logger,
) {
	authHandler := NewAuthHandler(authService, logger)
	uploadHandler := NewUploadHandler(uploadService, logger)

	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	apiV1 := router.Group("/api/v1")
	{
		authGroup := apiV1.Group("/auth")
		{
			authGroup.POST("/register", authHandler.Register)
			authGroup.POST("/login", authHandler.Login)
		}
	}

	protected := apiV1.Group("")
	protected.Use(AuthMiddleware(jwtSecret))
	{
		protected.GET("/me", func(c *gin.Context) {
			userID, err := getUserIDFromContext(c)
			if err != nil {
				abortWithError(c, http.StatusInternalServerError, "Failed to get user ID from token")
				return
			}
			role, _ := getUserRoleFromContext(c)
			c.JSON(http.StatusOK, gin.H{"userId": userID.Hex(), "role": role})
		})

		// --- Upload Routes ---
		uploadGroup := protected.Group("/uploads")
		uploadGroup.Use(RoleMiddleware(domain.RoleAdmin, domain.RoleInstructor))
		{
			// POST /api/v1/uploads
			uploadGroup.POST("", uploadHandler.InitiateUpload)
			// PATCH /api/v1/uploads?patch=<token>
			uploadGroup.PATCH("", uploadHandler.WriteChunk)
			// POST /api/v1/uploads/chunk?patch=<token> for clients that cannot send PATCH
			uploadGroup.POST("/chunk", uploadHandler.WriteChunk)
			// HEAD /api/v1/uploads?patch=<token>
			uploadGroup.HEAD("", uploadHandler.UploadOffset)

			uploadGroup.GET("/:token", uploadHandler.GetUpload)
			uploadGroup.GET("/:token/download", uploadHandler.DownloadUpload)
			uploadGroup.DELETE("/:token", uploadHandler.DeleteUpload)
		}
	}
}

package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/torlab/internal/capture"
	"github.com/nao1215/torlab/internal/config"
	"github.com/nao1215/torlab/internal/controller"
	"github.com/nao1215/torlab/internal/database"
	"github.com/nao1215/torlab/internal/runtime"
)

// Response is the envelope of every JSON answer.
type Response struct {
	Code int    `json:"code"`
	Data any    `json:"data"`
	Msg  string `json:"msg"`
}

// ListData is the data of list answers.
type ListData struct {
	List  any   `json:"list"`
	Count int64 `json:"count"`
}

func response(status, code int, data any, msg string, c *gin.Context) {
	c.JSON(status, Response{
		Code: code,
		Data: data,
		Msg:  msg,
	})
}

// Ok answers 200 with data and a message.
func Ok(data any, msg string, c *gin.Context) {
	response(http.StatusOK, 0, data, msg, c)
}

// OkWithData answers 200 with data.
func OkWithData(data any, c *gin.Context) {
	Ok(data, "ok", c)
}

// OkWithMsg answers 200 with a message only.
func OkWithMsg(msg string, c *gin.Context) {
	Ok(gin.H{}, msg, c)
}

// OkWithList answers 200 with a list and its length.
func OkWithList(list any, count int64, c *gin.Context) {
	Ok(ListData{List: list, Count: count}, "ok", c)
}

// Fail answers with an HTTP status; the status doubles as the code.
func Fail(status int, msg string, c *gin.Context) {
	response(status, status, nil, msg, c)
}

// FailWithMsg answers 400 with a message.
func FailWithMsg(msg string, c *gin.Context) {
	Fail(http.StatusBadRequest, msg, c)
}

// FailWithError answers with the status StatusOf picks for err.
func FailWithError(err error, c *gin.Context) {
	Fail(StatusOf(err), err.Error(), c)
}

// FailWithData answers like FailWithError but keeps data, e.g. a failed
// action result.
func FailWithData(err error, data any, c *gin.Context) {
	status := StatusOf(err)
	response(status, status, data, err.Error(), c)
}

// StatusOf maps an error to its HTTP status.
func StatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, database.ErrNotFound), errors.Is(err, runtime.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, controller.ErrActionConflict),
		errors.Is(err, capture.ErrAlreadyRecording),
		errors.Is(err, capture.ErrNotRecording),
		errors.Is(err, database.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, capture.ErrFileMissing):
		return http.StatusGone
	case errors.Is(err, config.ErrConfiguration), errors.Is(err, controller.ErrUnknownAction):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

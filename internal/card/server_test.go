package card

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/card-scanner/internal/cardmatch"
	"github.com/zombor/card-scanner/internal/frame"
)

// multipartBody builds a form with a single "file" field
func multipartBody(filename string, data []byte) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	Expect(err).NotTo(HaveOccurred())
	_, err = part.Write(data)
	Expect(err).NotTo(HaveOccurred())
	Expect(writer.Close()).To(Succeed())
	return body, writer.FormDataContentType()
}

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		recognizer  *mockRecognizer
		service     *Service
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		service = NewService(db, recognizer, storage, Config{KeepFrames: true})
		server = NewServerWithMux(service, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.Handler().ServeHTTP)
	}

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		recognizer = newMockRecognizer()
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		setupServer()
	})

	AfterEach(func() {
		if service != nil {
			service.CloseFrames()
		}
		if ghttpServer != nil {
			ghttpServer.Close()
			ghttpServer = nil
		}
	})

	Describe("handleIndex", func() {
		It("should return HTML containing Card Scanner", func() {
			resp, err := http.Get(ghttpServer.URL() + "/")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(ContainSubstring("text/html"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("Card Scanner"))
		})

		When("request method is not GET", func() {
			It("should return status Method Not Allowed", func() {
				resp, err := http.Post(ghttpServer.URL()+"/", "text/plain", nil)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
			})
		})
	})

	Describe("CORS", func() {
		It("should answer preflight requests", func() {
			req, err := http.NewRequest(http.MethodOptions, ghttpServer.URL()+"/api/scans", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("DELETE"))
		})
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		When("credentials are missing", func() {
			It("should return status Unauthorized", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/scans")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			})
		})

		When("credentials are wrong", func() {
			It("should return status Unauthorized", func() {
				req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/scans", nil)
				Expect(err).NotTo(HaveOccurred())
				req.SetBasicAuth("admin", "wrong")
				resp, err := http.DefaultClient.Do(req)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			})
		})

		When("credentials are correct", func() {
			It("should return status OK", func() {
				req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/scans", nil)
				Expect(err).NotTo(HaveOccurred())
				req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:secret")))
				resp, err := http.DefaultClient.Do(req)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
			})
		})
	})

	Describe("handleUploadScan", func() {
		var resp *http.Response

		upload := func() {
			body, contentType := multipartBody("card.jpg", []byte("fake image"))
			var err error
			resp, err = http.Post(ghttpServer.URL()+"/api/scans", contentType, body)
			Expect(err).NotTo(HaveOccurred())
		}

		AfterEach(func() {
			if resp != nil {
				resp.Body.Close()
			}
		})

		When("a card is found", func() {
			It("should return status Created with the outcome", func() {
				upload()
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

				var outcome Outcome
				Expect(json.NewDecoder(resp.Body).Decode(&outcome)).To(Succeed())
				Expect(outcome.Detection.Issuer).To(Equal(cardmatch.IssuerUzcard))
				Expect(outcome.Scan).NotTo(BeNil())
				Expect(outcome.Scan.Number).To(Equal("8600********9012"))
				Expect(outcome.Scan.ContentType).To(Equal("image/jpeg"))
				Expect(db.count()).To(Equal(1))
			})
		})

		When("no card is found", func() {
			BeforeEach(func() {
				recognizer.text = "nothing to see"
			})

			It("should return status OK without a scan", func() {
				upload()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var outcome Outcome
				Expect(json.NewDecoder(resp.Body).Decode(&outcome)).To(Succeed())
				Expect(outcome.Scan).To(BeNil())
				Expect(db.count()).To(Equal(0))
			})
		})

		When("recognition fails", func() {
			BeforeEach(func() {
				recognizer.err = errors.New("vision error")
			})

			It("should return a JSON error", func() {
				upload()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

				var body map[string]string
				Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
				Expect(body["error"]).To(ContainSubstring("vision error"))
			})
		})

		When("the database fails", func() {
			BeforeEach(func() {
				db.saveErr = errors.New("disk full")
			})

			It("should return a JSON server error without internal details", func() {
				upload()
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))

				var body map[string]string
				Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
				Expect(body["error"]).NotTo(ContainSubstring("disk full"))
			})
		})

		When("storage fails", func() {
			BeforeEach(func() {
				storage.saveErr = errors.New("read-only file system")
			})

			It("should return status Internal Server Error", func() {
				upload()
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			})
		})

		When("no file is sent", func() {
			It("should return status Bad Request", func() {
				body := &bytes.Buffer{}
				writer := multipart.NewWriter(body)
				Expect(writer.WriteField("other", "value")).To(Succeed())
				Expect(writer.Close()).To(Succeed())

				var err error
				resp, err = http.Post(ghttpServer.URL()+"/api/scans", writer.FormDataContentType(), body)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

				var errBody map[string]string
				Expect(json.NewDecoder(resp.Body).Decode(&errBody)).To(Succeed())
				Expect(errBody["error"]).To(ContainSubstring("No file was selected"))
			})
		})

		When("the body is not a form", func() {
			It("should return status Bad Request", func() {
				var err error
				resp, err = http.Post(ghttpServer.URL()+"/api/scans", "application/json", strings.NewReader("{}"))
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("handleMatchText", func() {
		post := func(body string) *http.Response {
			resp, err := http.Post(ghttpServer.URL()+"/api/text", "application/json", strings.NewReader(body))
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		When("the text holds a card", func() {
			It("should return the outcome and persist the scan", func() {
				resp := post(`{"text":"6262 0000 1111 2222\n03/29"}`)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var outcome Outcome
				Expect(json.NewDecoder(resp.Body).Decode(&outcome)).To(Succeed())
				Expect(outcome.Detection.Issuer).To(Equal(cardmatch.IssuerUncard))
				Expect(outcome.Detection.Expiry).To(Equal("03/29"))
				Expect(outcome.Scan).NotTo(BeNil())
				Expect(outcome.Scan.Source).To(Equal(SourceText))
			})
		})

		When("the body is invalid", func() {
			It("should return status Bad Request", func() {
				resp := post(`not json`)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("the database fails", func() {
			BeforeEach(func() {
				db.saveErr = errors.New("database error")
			})

			It("should return status Internal Server Error", func() {
				resp := post(`{"text":"8600 1234 5678 9012"}`)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			})
		})
	})

	Describe("frame endpoints", func() {
		var cancel context.CancelFunc

		JustBeforeEach(func() {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go func() {
				defer GinkgoRecover()
				service.RunFrames(ctx)
			}()
		})

		AfterEach(func() {
			cancel()
		})

		getLatest := func() (int, *frame.Result) {
			req, err := http.NewRequest(http.MethodGet, "/api/frames/latest", nil)
			Expect(err).NotTo(HaveOccurred())
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				return rec.Code, nil
			}
			var result frame.Result
			Expect(json.Unmarshal(rec.Body.Bytes(), &result)).To(Succeed())
			return rec.Code, &result
		}

		It("should report no content before any frame", func() {
			code, _ := getLatest()
			Expect(code).To(Equal(http.StatusNoContent))
		})

		It("should accept a frame and expose its result", func() {
			body, contentType := multipartBody("frame.jpg", []byte("frame"))
			resp, err := http.Post(ghttpServer.URL()+"/api/frames", contentType, body)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			var accepted map[string]string
			Expect(json.NewDecoder(resp.Body).Decode(&accepted)).To(Succeed())
			Expect(accepted["frame_id"]).NotTo(BeEmpty())

			Eventually(func() string {
				code, result := getLatest()
				if code != http.StatusOK {
					return ""
				}
				return result.FrameID
			}).Should(Equal(accepted["frame_id"]))

			_, result := getLatest()
			Expect(result.Detection.Issuer).To(Equal(cardmatch.IssuerUzcard))
			Expect(result.Detection.Expiry).To(Equal("12/25"))
		})

		It("should return stats", func() {
			service.HandleResult(frame.Result{FrameID: "f"})
			req, err := http.NewRequest(http.MethodGet, "/api/frames/stats", nil)
			Expect(err).NotTo(HaveOccurred())
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusOK))

			var stats frame.Stats
			Expect(json.Unmarshal(rec.Body.Bytes(), &stats)).To(Succeed())
			Expect(stats.Failed).To(BeZero())
		})

		When("frame analysis is closed", func() {
			It("should return status Service Unavailable", func() {
				service.CloseFrames()
				body, contentType := multipartBody("frame.jpg", []byte("frame"))
				resp, err := http.Post(ghttpServer.URL()+"/api/frames", contentType, body)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
			})
		})
	})

	Describe("handleListScans", func() {
		When("scans exist", func() {
			BeforeEach(func() {
				db.scans["id1"] = &Scan{ID: "id1"}
				db.scans["id2"] = &Scan{ID: "id2"}
			})

			It("should return all scans as JSON", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/scans")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

				var scans []*Scan
				Expect(json.NewDecoder(resp.Body).Decode(&scans)).To(Succeed())
				Expect(scans).To(HaveLen(2))
			})
		})

		When("no scans exist", func() {
			It("should return an empty array", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/scans")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(strings.TrimSpace(string(body))).To(Equal("[]"))
			})
		})

		When("the database fails", func() {
			BeforeEach(func() {
				db.listErr = errors.New("list error")
			})

			It("should return status Internal Server Error", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/scans")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			})
		})
	})

	Describe("handleGetScan", func() {
		BeforeEach(func() {
			db.scans["test-id"] = &Scan{ID: "test-id", Number: "9860********3333"}
		})

		It("should return the scan", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/scans/test-id")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var scan Scan
			Expect(json.NewDecoder(resp.Body).Decode(&scan)).To(Succeed())
			Expect(scan.Number).To(Equal("9860********3333"))
		})

		When("the scan does not exist", func() {
			It("should return status Not Found", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/scans/missing")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
		})

		When("the database fails", func() {
			BeforeEach(func() {
				db.getErr = errors.New("get error")
			})

			It("should return status Internal Server Error", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/scans/test-id")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			})
		})
	})

	Describe("handleGetScanFile", func() {
		BeforeEach(func() {
			db.scans["test-id"] = &Scan{ID: "test-id", Filename: "test-id_card.png", ContentType: "image/png"}
			db.scans["no-file"] = &Scan{ID: "no-file"}
			storage.files["test-id_card.png"] = []byte("png bytes")
		})

		It("should return the stored file", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/scans/test-id/file")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal("png bytes"))
		})

		When("the scan has no file", func() {
			It("should return status Not Found", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/scans/no-file/file")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
		})
	})

	Describe("handleDeleteScan", func() {
		BeforeEach(func() {
			db.scans["test-id"] = &Scan{ID: "test-id"}
		})

		doDelete := func(id string) *http.Response {
			req, err := http.NewRequest(http.MethodDelete, ghttpServer.URL()+"/api/scans/"+id, nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		It("should return status No Content", func() {
			resp := doDelete("test-id")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(db.scans).NotTo(HaveKey("test-id"))
		})

		When("the scan does not exist", func() {
			It("should return status Not Found", func() {
				resp := doDelete("missing")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
		})

		When("the database fails", func() {
			BeforeEach(func() {
				db.deleteErr = errors.New("delete error")
			})

			It("should return status Internal Server Error", func() {
				resp := doDelete("test-id")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			})
		})
	})
})

var _ = Describe("detectContentType", func() {
	DescribeTable("content type resolution",
		func(contentType, filename, expected string) {
			Expect(detectContentType(contentType, filename)).To(Equal(expected))
		},
		Entry("keeps an explicit type", "image/png", "card.jpg", "image/png"),
		Entry("lowercases the type", "Image/JPEG", "card", "image/jpeg"),
		Entry("falls back to the extension", "application/octet-stream", "card.HEIC", "image/heic"),
		Entry("handles pdfs", "", "statement.pdf", "application/pdf"),
		Entry("gives up on unknown extensions", "", "card.bmp", "application/octet-stream"),
	)
})

// Package sdp реализует разбор и построение SDP тел для SIP переговоров
// аудиоканала камеры/домофона.
//
// Пакет является тонкой обёрткой над pion/sdp/v3 и решает три задачи:
//   - Parse: разбор тела SIP ответа с сохранением исходного текста
//     для диагностики;
//   - ExtractMediaDescription / ExtractConnectionAddress: извлечение
//     параметров медиа-секции (порт, RTCP порт, SSRC, адрес);
//   - BuildOffer: построение SDP offer для исходящего INVITE.
//
// Особенности поведения:
//   - RTCP порт по умолчанию равен RTP порт + 1, если атрибут `a=rtcp:`
//     отсутствует;
//   - SSRC опционален и отсутствует, если нет атрибута `a=ssrc:`;
//   - все ошибки разбора возвращаются как *MalformedSDPError с исходным
//     текстом внутри.
package sdp
